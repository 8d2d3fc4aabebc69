package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gurkankaymak/hocon"
)

// =============================================================================
// HOCON Documents
// =============================================================================

// Document is a parsed HOCON step/dag document. Steps live under
// steps.<name>.task, dags under dags.<name>.definition; names may nest
// (steps.team.job), in which case the dotted path is the name.
type Document struct {
	path string // absolute file path, "" when parsed from a string
	conf *hocon.Config
}

// ParseFile parses a HOCON document from a file.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigError("ParseFile", path, "file does not exist", ErrNotFound)
		}
		return nil, NewConfigError("ParseFile", path, err.Error(), err)
	}
	doc, err := ParseString(string(data))
	if err != nil {
		return nil, NewConfigError("ParseFile", path, err.Error(), ErrParse)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	doc.path = abs
	return doc, nil
}

// ParseString parses a HOCON document held in a string. Relative paths in
// such documents resolve against the current directory.
func ParseString(content string) (*Document, error) {
	conf, err := hocon.ParseString(content)
	if err != nil {
		return nil, NewConfigError("ParseString", "", err.Error(), ErrParse)
	}
	return &Document{conf: conf}, nil
}

// Path returns the document's file path, or "" for in-memory documents.
func (d *Document) Path() string { return d.path }

// RootDir returns the directory containing the document. Step and dag file
// fields resolve relative to it.
func (d *Document) RootDir() string {
	if d.path == "" {
		dir, err := os.Getwd()
		if err != nil {
			return "."
		}
		return dir
	}
	return filepath.Dir(d.path)
}

// =============================================================================
// Selection
// =============================================================================

// candidate is a named node found under steps/ or dags/.
type candidate struct {
	name string
	node hocon.Object
}

// findNodes walks obj and collects every object containing childKey,
// reporting the dotted path traversed to reach it.
func findNodes(obj hocon.Object, childKey, prefix string) []candidate {
	var result []candidate
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		child, ok := obj[key].(hocon.Object)
		if !ok {
			continue
		}
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if _, has := child[childKey]; has {
			result = append(result, candidate{name: name, node: child})
			continue
		}
		result = append(result, findNodes(child, childKey, name)...)
	}
	return result
}

// selectNode implements the shared selection semantics: an explicit name
// must match exactly; with no name a single candidate is chosen and
// ambiguity is an error.
func (d *Document) selectNode(op, rootKey, childKey, name string) (candidate, error) {
	root := d.conf.GetObject(rootKey)
	if root == nil {
		return candidate{}, NewConfigError(op, d.path,
			fmt.Sprintf("document defines no %s", rootKey), ErrSelectionNotFound)
	}
	candidates := findNodes(root, childKey, "")
	if name != "" {
		for _, c := range candidates {
			if c.name == name {
				return c, nil
			}
		}
		return candidate{}, NewConfigError(op, d.path,
			fmt.Sprintf("%q not found; available: %s", name, candidateNames(candidates)),
			ErrSelectionNotFound)
	}
	switch len(candidates) {
	case 0:
		return candidate{}, NewConfigError(op, d.path,
			fmt.Sprintf("document defines no %s", rootKey), ErrSelectionNotFound)
	case 1:
		return candidates[0], nil
	default:
		return candidate{}, NewConfigError(op, d.path,
			fmt.Sprintf("multiple candidates, name one of: %s", candidateNames(candidates)),
			ErrAmbiguousSelection)
	}
}

func candidateNames(candidates []candidate) string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return strings.Join(names, ", ")
}

// SelectStep picks a step by name, or the only defined step when name is "".
func (d *Document) SelectStep(name string) (*Step, error) {
	c, err := d.selectNode("SelectStep", "steps", "task", name)
	if err != nil {
		return nil, err
	}
	return &Step{Name: c.name, node: c.node, doc: d}, nil
}

// SelectDag picks a dag by name, or the only defined dag when name is "".
func (d *Document) SelectDag(name string) (*Dag, error) {
	c, err := d.selectNode("SelectDag", "dags", "definition", name)
	if err != nil {
		return nil, err
	}
	return &Dag{Name: c.name, node: c.node, doc: d}, nil
}

// StepNames lists the steps defined in the document.
func (d *Document) StepNames() []string {
	root := d.conf.GetObject("steps")
	if root == nil {
		return nil
	}
	candidates := findNodes(root, "task", "")
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

// DagNames lists the dags defined in the document.
func (d *Document) DagNames() []string {
	root := d.conf.GetObject("dags")
	if root == nil {
		return nil
	}
	candidates := findNodes(root, "definition", "")
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

// =============================================================================
// Value helpers
// =============================================================================

// lookup walks a dotted path through nested objects.
func lookup(obj hocon.Object, path string) (hocon.Value, bool) {
	parts := strings.Split(path, ".")
	current := obj
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		current, ok = v.(hocon.Object)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

// valueString renders a scalar HOCON value as a plain string.
func valueString(v hocon.Value) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(hocon.String); ok {
		return string(s)
	}
	return strings.Trim(v.String(), `"`)
}

// valueBool interprets a HOCON value as a boolean.
func valueBool(v hocon.Value) bool {
	if b, ok := v.(hocon.Boolean); ok {
		return bool(b)
	}
	return strings.EqualFold(valueString(v), "true")
}

// =============================================================================
// Step
// =============================================================================

// KV is an ordered key/value pair extracted from a HOCON object list.
type KV struct {
	Key   string
	Value string
}

// EnvSpec is one entry of a step's task.env list: either a block of inline
// variables or the path of an env file relative to the document.
type EnvSpec struct {
	Vars []KV
	File string
}

// Step is a selected step configuration inside a document.
type Step struct {
	Name string
	node hocon.Object
	doc  *Document
}

// Has reports whether the step defines the dotted field.
func (s *Step) Has(path string) bool {
	_, ok := lookup(s.node, path)
	return ok
}

// String returns the step's field as a string, "" when absent.
func (s *Step) String(path string) string {
	v, ok := lookup(s.node, path)
	if !ok {
		return ""
	}
	return valueString(v)
}

// Bool returns the step's field as a boolean, false when absent.
func (s *Step) Bool(path string) bool {
	v, ok := lookup(s.node, path)
	if !ok {
		return false
	}
	return valueBool(v)
}

// FilePath resolves a path-valued field against the document directory and
// returns it absolute, or "" when the field is absent.
func (s *Step) FilePath(path string) string {
	value := s.String(path)
	if value == "" {
		return ""
	}
	return resolvePath(s.doc.RootDir(), value)
}

// ContainerName returns the docker container name for executing this step.
func (s *Step) ContainerName() string {
	return s.String("task.type") + "_" + strings.ReplaceAll(s.Name, ".", "_")
}

// Parameters returns the task.parameters list: an array of single-entry
// objects, flattened in order.
func (s *Step) Parameters() []KV {
	return objectListPairs(s.node, "task.parameters")
}

// PathPairs returns a list field of {mountName: relativePath} objects with
// the paths resolved against the document directory.
func (s *Step) PathPairs(path string) []KV {
	pairs := objectListPairs(s.node, path)
	for i := range pairs {
		pairs[i].Value = resolvePath(s.doc.RootDir(), pairs[i].Value)
	}
	return pairs
}

// EnvSpecs returns the task.env list. Object entries carry inline
// variables; string entries name env files relative to the document.
func (s *Step) EnvSpecs() []EnvSpec {
	v, ok := lookup(s.node, "task.env")
	if !ok {
		return nil
	}
	arr, ok := v.(hocon.Array)
	if !ok {
		return nil
	}
	var specs []EnvSpec
	for _, entry := range arr {
		switch e := entry.(type) {
		case hocon.Object:
			spec := EnvSpec{}
			keys := make([]string, 0, len(e))
			for k := range e {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				spec.Vars = append(spec.Vars, KV{Key: k, Value: valueString(e[k])})
			}
			specs = append(specs, spec)
		default:
			specs = append(specs, EnvSpec{
				File: resolvePath(s.doc.RootDir(), valueString(entry)),
			})
		}
	}
	return specs
}

// Doc returns the document the step was selected from.
func (s *Step) Doc() *Document { return s.doc }

// =============================================================================
// Dag
// =============================================================================

// Dag is a selected dag configuration inside a document.
type Dag struct {
	Name string
	node hocon.Object
	doc  *Document
}

// Has reports whether the dag defines the dotted field.
func (g *Dag) Has(path string) bool {
	_, ok := lookup(g.node, path)
	return ok
}

// String returns the dag's field as a string, "" when absent.
func (g *Dag) String(path string) string {
	v, ok := lookup(g.node, path)
	if !ok {
		return ""
	}
	return valueString(v)
}

// FilePath resolves a path-valued field against the document directory.
func (g *Dag) FilePath(path string) string {
	value := g.String(path)
	if value == "" {
		return ""
	}
	return resolvePath(g.doc.RootDir(), value)
}

// DefaultArgs returns the definition.default_args block as ordered pairs.
func (g *Dag) DefaultArgs() []KV {
	v, ok := lookup(g.node, "definition.default_args")
	if !ok {
		return nil
	}
	obj, ok := v.(hocon.Object)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]KV, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, KV{Key: k, Value: valueString(obj[k])})
	}
	return pairs
}

// ContainerName returns the docker container name for this dag's sessions.
func (g *Dag) ContainerName() string {
	return "airflow_" + strings.ReplaceAll(g.Name, ".", "_")
}

// Doc returns the document the dag was selected from.
func (g *Dag) Doc() *Document { return g.doc }

// =============================================================================
// Shared helpers
// =============================================================================

func resolvePath(rootDir, value string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	abs, err := filepath.Abs(filepath.Join(rootDir, value))
	if err != nil {
		return filepath.Join(rootDir, value)
	}
	return abs
}

// objectListPairs flattens an array of single-entry objects into ordered
// key/value pairs.
func objectListPairs(node hocon.Object, path string) []KV {
	v, ok := lookup(node, path)
	if !ok {
		return nil
	}
	arr, ok := v.(hocon.Array)
	if !ok {
		return nil
	}
	var pairs []KV
	for _, entry := range arr {
		obj, ok := entry.(hocon.Object)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pairs = append(pairs, KV{Key: k, Value: valueString(obj[k])})
		}
	}
	return pairs
}
