package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultTag is the context searched first in tagged documents.
const DefaultTag = "master"

// TaskID is a task identifier in canonical string form. Documents may store
// ids as JSON numbers or strings; 7 and "7" are the same id.
type TaskID string

// UnmarshalJSON accepts a number or a string.
func (id *TaskID) UnmarshalJSON(b []byte) error {
	res := gjson.ParseBytes(b)
	if res.Type != gjson.Number && res.Type != gjson.String {
		return fmt.Errorf("task id must be a number or string, got %s", res.Raw)
	}
	*id = canonicalID(res)
	return nil
}

// MarshalJSON writes ids in canonical integer form as numbers and everything
// else, including "007" and "+7", as strings.
func (id TaskID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Parent splits a dotted subtask id ("7.2") into its parent and local part.
func (id TaskID) Parent() (parent, sub TaskID, ok bool) {
	p, s, found := strings.Cut(string(id), ".")
	if !found || p == "" || s == "" {
		return "", "", false
	}
	return TaskID(p), TaskID(s), true
}

func canonicalID(res gjson.Result) TaskID {
	if res.Type == gjson.Number {
		return TaskID(strconv.FormatFloat(res.Num, 'f', -1, 64))
	}
	return TaskID(strings.TrimSpace(res.String()))
}

// Task is a read-only view of one task record. Fields the view does not
// name are kept verbatim in the document; the Mutator never rewrites them.
type Task struct {
	ID          TaskID `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`

	// Integrations maps integration name to integration metadata.
	Integrations map[string]map[string]any `json:"integrations,omitempty"`

	Subtasks []Task `json:"subtasks,omitempty"`
}

// Validate checks the fields every task must carry.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// Integration returns the metadata recorded for name, or nil.
func (t *Task) Integration(name string) map[string]any {
	return t.Integrations[name]
}

// ExternalID returns the external issue id recorded for name, if any.
func (t *Task) ExternalID(name string) string {
	s, _ := t.Integration(name)["externalId"].(string)
	return s
}

// Context is one named partition of a tagged document. Flat documents have
// a single context with an empty name.
type Context struct {
	Name  string
	Tasks []Task
}

// Document is a parsed task store.
type Document struct {
	Tagged   bool
	Contexts []Context
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task document %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a flat ({"tasks": [...]}) or tagged
// ({"<tag>": {"tasks": [...]}, ...}) document.
func Parse(data []byte) (*Document, error) {
	shape, err := detectShape(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{Tagged: shape.tagged}
	for _, c := range shape.contexts {
		var tasks []Task
		raw := gjson.GetBytes(data, c.path)
		if err := json.Unmarshal([]byte(raw.Raw), &tasks); err != nil {
			return nil, fmt.Errorf("%w: context %q: %v", ErrDocumentCorrupt, c.name, err)
		}
		doc.Contexts = append(doc.Contexts, Context{Name: c.name, Tasks: tasks})
	}
	return doc, nil
}

// Context returns the context called name. Flat documents answer to "".
func (d *Document) Context(name string) (*Context, bool) {
	for i := range d.Contexts {
		if d.Contexts[i].Name == name {
			return &d.Contexts[i], true
		}
	}
	return nil, false
}

// Tasks returns the tasks of tag, or of the default context when tag is
// empty (master for tagged documents, the only context for flat ones).
func (d *Document) Tasks(tag string) []Task {
	if !d.Tagged {
		if len(d.Contexts) == 0 {
			return nil
		}
		return d.Contexts[0].Tasks
	}
	if tag == "" {
		tag = DefaultTag
	}
	if c, ok := d.Context(tag); ok {
		return c.Tasks
	}
	return nil
}

// Find returns the task with id and the name of its context. An empty tag
// searches master first, then the remaining contexts in document order.
func (d *Document) Find(id TaskID, tag string) (*Task, string, error) {
	for _, ci := range d.searchOrder(tag) {
		c := &d.Contexts[ci]
		if t := findTask(c.Tasks, id); t != nil {
			return t, c.Name, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (d *Document) searchOrder(tag string) []int {
	names := make([]string, len(d.Contexts))
	for i, c := range d.Contexts {
		names[i] = c.Name
	}
	return contextOrder(d.Tagged, names, tag)
}

func findTask(tasks []Task, id TaskID) *Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	parent, sub, ok := id.Parent()
	if !ok {
		return nil
	}
	p := findTask(tasks, parent)
	if p == nil {
		return nil
	}
	for i := range p.Subtasks {
		if p.Subtasks[i].ID == sub || p.Subtasks[i].ID == id {
			return &p.Subtasks[i]
		}
	}
	return nil
}

// contextOrder returns the indexes of names to search for tag.
func contextOrder(tagged bool, names []string, tag string) []int {
	if !tagged {
		if len(names) == 0 {
			return nil
		}
		return []int{0}
	}
	if tag != "" {
		for i, n := range names {
			if n == tag {
				return []int{i}
			}
		}
		return nil
	}
	order := make([]int, 0, len(names))
	for i, n := range names {
		if n == DefaultTag {
			order = append(order, i)
		}
	}
	for i, n := range names {
		if n != DefaultTag {
			order = append(order, i)
		}
	}
	return order
}
