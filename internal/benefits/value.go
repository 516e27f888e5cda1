package benefits

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes numeric limits from boolean capabilities.
type Kind uint8

const (
	KindNumber Kind = iota
	KindFlag
)

// Value is a benefit limit. It encodes as a bare JSON/YAML number or bool.
type Value struct {
	Kind   Kind
	Number int64
	Flag   bool
}

func Number(n int64) Value { return Value{Kind: KindNumber, Number: n} }

func Flag(b bool) Value { return Value{Kind: KindFlag, Flag: b} }

func (v Value) String() string {
	if v.Kind == KindFlag {
		return strconv.FormatBool(v.Flag)
	}
	return strconv.FormatInt(v.Number, 10)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindFlag {
		return json.Marshal(v.Flag)
	}
	return json.Marshal(v.Number)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Flag(b)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("benefit value must be an integer or a boolean: %s", data)
	}
	*v = Number(n)
	return nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: benefit value must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = Flag(b)
	case "!!int":
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*v = Number(n)
	default:
		return fmt.Errorf("line %d: benefit value %q must be an integer or a boolean", node.Line, node.Value)
	}
	return nil
}
