package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gurkankaymak/hocon"

	"github.com/nbforge/nbforge/internal/assets"
)

// =============================================================================
// Validation
// =============================================================================

// Issue is one validation finding.
type Issue struct {
	Path    string
	Message string
	Err     error // ErrMissingField or ErrTypeMismatch
}

// compareTrees recursively checks that every field of the reference tree is
// present in the test tree with a structurally compatible value.
func compareTrees(test, ref hocon.Object, path string) []Issue {
	var issues []Issue
	for key, refVal := range ref {
		fieldPath := key
		if path != "" {
			fieldPath = path + "." + key
		}
		testVal, ok := test[key]
		if !ok {
			issues = append(issues, Issue{
				Path:    fieldPath,
				Message: "missing definition",
				Err:     ErrMissingField,
			})
			continue
		}
		refObj, refIsObj := refVal.(hocon.Object)
		testObj, testIsObj := testVal.(hocon.Object)
		_, refIsArr := refVal.(hocon.Array)
		_, testIsArr := testVal.(hocon.Array)

		switch {
		case refIsObj != testIsObj || refIsArr != testIsArr:
			issues = append(issues, Issue{
				Path:    fieldPath,
				Message: fmt.Sprintf("expected %s", structureName(refVal)),
				Err:     ErrTypeMismatch,
			})
		case refIsObj:
			issues = append(issues, compareTrees(testObj, refObj, fieldPath)...)
		}
	}
	return issues
}

func structureName(v hocon.Value) string {
	switch v.(type) {
	case hocon.Object:
		return "an object"
	case hocon.Array:
		return "a list"
	default:
		return "a scalar value"
	}
}

// issuesError folds validation issues into a single error, nil when clean.
func issuesError(op, where string, issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	messages := make([]string, len(issues))
	for i, issue := range issues {
		messages[i] = issue.Path + ": " + issue.Message
	}
	return NewConfigError(op, where, strings.Join(messages, "; "), issues[0].Err)
}

// warnIssues logs findings from the non-strict reference as warnings.
func warnIssues(where string, issues []Issue) {
	for _, issue := range issues {
		slog.Warn("configuration field differs from reference",
			"config", where,
			"field", issue.Path,
			"detail", issue.Message,
		)
	}
}

// referenceNode loads an embedded reference template and drills to the node
// under the given dotted path.
func referenceNode(template, path string) (hocon.Object, error) {
	data, err := assets.Template(template)
	if err != nil {
		return nil, err
	}
	conf, err := hocon.ParseString(string(data))
	if err != nil {
		return nil, NewConfigError("referenceNode", template, err.Error(), ErrParse)
	}
	parts := strings.SplitN(path, ".", 2)
	obj := conf.GetObject(parts[0])
	if obj == nil {
		return nil, NewConfigError("referenceNode", template, "missing node "+path, ErrMissingField)
	}
	if len(parts) == 1 {
		return obj, nil
	}
	v, ok := lookup(obj, parts[1])
	if !ok {
		return nil, NewConfigError("referenceNode", template, "missing node "+path, ErrMissingField)
	}
	node, ok := v.(hocon.Object)
	if !ok {
		return nil, NewConfigError("referenceNode", template, path+" is not an object", ErrTypeMismatch)
	}
	return node, nil
}

// Validate checks the application config against the embedded references:
// the minimum template is mandatory, the full template produces warnings.
func (a *App) Validate() error {
	root := a.root()
	if root == nil {
		return NewConfigError("Validate", a.path, "missing nbforge section", ErrMissingField)
	}
	minRef, err := referenceNode("minimum_nbforge.conf", "nbforge")
	if err != nil {
		return err
	}
	if err := issuesError("Validate", a.path, compareTrees(root, minRef, "")); err != nil {
		return err
	}
	fullRef, err := referenceNode("nbforge.conf", "nbforge")
	if err != nil {
		return err
	}
	warnIssues(a.path, compareTrees(root, fullRef, ""))
	return nil
}

// Validate checks the step against the embedded step references.
func (s *Step) Validate() error {
	minRef, err := referenceNode("minimum_step.conf", "steps.Untitled")
	if err != nil {
		return err
	}
	where := s.doc.Path() + "#" + s.Name
	if err := issuesError("Validate", where, compareTrees(s.node, minRef, "")); err != nil {
		return err
	}
	fullRef, err := referenceNode("step.conf", "steps.Untitled")
	if err != nil {
		return err
	}
	warnIssues(where, compareTrees(s.node, fullRef, ""))
	return nil
}

// Validate checks the dag against the embedded dag references.
func (g *Dag) Validate() error {
	minRef, err := referenceNode("minimum_dag.conf", "dags.Untitled")
	if err != nil {
		return err
	}
	where := g.doc.Path() + "#" + g.Name
	if err := issuesError("Validate", where, compareTrees(g.node, minRef, "")); err != nil {
		return err
	}
	fullRef, err := referenceNode("dag.conf", "dags.Untitled")
	if err != nil {
		return err
	}
	warnIssues(where, compareTrees(g.node, fullRef, ""))
	return nil
}
