package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Edits are applied to the raw document bytes through gjson/sjson paths, so
// key order, formatting of untouched tasks and unknown fields survive a
// mutation unchanged.

type rawContext struct {
	name string
	path string
}

type docShape struct {
	tagged   bool
	contexts []rawContext
}

// detectShape validates data and lists its task arrays.
func detectShape(data []byte) (*docShape, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrDocumentCorrupt)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrDocumentCorrupt)
	}

	if tasks := root.Get("tasks"); tasks.Exists() {
		if !tasks.IsArray() {
			return nil, fmt.Errorf("%w: \"tasks\" is not an array", ErrDocumentCorrupt)
		}
		return &docShape{contexts: []rawContext{{name: "", path: "tasks"}}}, nil
	}

	shape := &docShape{tagged: true}
	root.ForEach(func(key, value gjson.Result) bool {
		if value.IsObject() && value.Get("tasks").IsArray() {
			shape.contexts = append(shape.contexts, rawContext{
				name: key.String(),
				path: escapePath(key.String()) + ".tasks",
			})
		}
		return true
	})
	return shape, nil
}

// location is where a task lives inside the raw document.
type location struct {
	path    string
	context string
}

// locate finds the gjson path of the task with id.
func locate(data []byte, id TaskID, tag string) (*location, error) {
	shape, err := detectShape(data)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(shape.contexts))
	for i, c := range shape.contexts {
		names[i] = c.name
	}
	order := contextOrder(shape.tagged, names, tag)
	if shape.tagged && tag != "" && len(order) == 0 {
		return nil, fmt.Errorf("%w: %s (no context %q)", ErrTaskNotFound, id, tag)
	}

	for _, ci := range order {
		c := shape.contexts[ci]
		if path, ok := findRawTask(data, c.path, id); ok {
			return &location{path: path, context: c.name}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func findRawTask(data []byte, arrayPath string, id TaskID) (string, bool) {
	if idx, ok := indexOf(gjson.GetBytes(data, arrayPath), id); ok {
		return arrayPath + "." + strconv.Itoa(idx), true
	}

	parent, sub, ok := id.Parent()
	if !ok {
		return "", false
	}
	parentPath, ok := findRawTask(data, arrayPath, parent)
	if !ok {
		return "", false
	}
	subtasks := gjson.GetBytes(data, parentPath+".subtasks")
	if idx, ok := indexOf(subtasks, sub); ok {
		return parentPath + ".subtasks." + strconv.Itoa(idx), true
	}
	if idx, ok := indexOf(subtasks, id); ok {
		return parentPath + ".subtasks." + strconv.Itoa(idx), true
	}
	return "", false
}

func indexOf(arr gjson.Result, id TaskID) (int, bool) {
	if !arr.IsArray() {
		return 0, false
	}
	found := -1
	i := 0
	arr.ForEach(func(_, task gjson.Result) bool {
		if raw := task.Get("id"); raw.Exists() && canonicalID(raw) == id {
			found = i
			return false
		}
		i++
		return true
	})
	return found, found >= 0
}

// mergeIntegration merges fields into <task>.integrations.<name> and drops
// the keys in remove. Nothing outside that object is touched.
func mergeIntegration(data []byte, taskPath, name string, fields map[string]any, remove []string) ([]byte, error) {
	var err error
	base := taskPath + ".integrations"
	if data, err = ensureObject(data, base); err != nil {
		return nil, err
	}
	entry := base + "." + escapePath(name)
	if data, err = ensureObject(data, entry); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		data, err = sjson.SetBytes(data, entry+"."+escapePath(k), fields[k])
		if err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", k, err)
		}
	}
	for _, k := range remove {
		if !gjson.GetBytes(data, entry+"."+escapePath(k)).Exists() {
			continue
		}
		data, err = sjson.DeleteBytes(data, entry+"."+escapePath(k))
		if err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", k, err)
		}
	}
	return data, nil
}

// ensureObject makes sure path holds an object, replacing null or scalars.
func ensureObject(data []byte, path string) ([]byte, error) {
	if v := gjson.GetBytes(data, path); v.IsObject() {
		return data, nil
	}
	out, err := sjson.SetRawBytes(data, path, []byte("{}"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", path, err)
	}
	return out, nil
}

// escapePath escapes the gjson path metacharacters in a single key.
func escapePath(key string) string {
	if !strings.ContainsAny(key, `.*?|#@\!=<>%`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(`.*?|#@\!=<>%`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
