package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Gateway output payloads nest the generated artifact URL at unpredictable
// depths and under inconsistent names. FindArtifact walks the payload and
// returns the first reference that satisfies the priority rules below.

// Kind classifies a payload node. Anything that is not a string, sequence
// or mapping (numbers, booleans, null) is KindOther and never matches.
type Kind int

const (
	KindOther Kind = iota
	KindString
	KindSeq
	KindMap
)

// Node is one node of a decoded payload. Mapping fields keep document
// order, which encoding/json maps would discard.
type Node struct {
	Kind   Kind
	Str    string
	Seq    []Node
	Fields []Field
}

// Field is a single key/value pair of a mapping node.
type Field struct {
	Key   string
	Value Node
}

// Keys that some models use for the primary artifact. Checked in this
// order, and they win even when the value lacks the expected suffix.
var priorityKeys = []string{"mesh", "model_file", "glb"}

// FindArtifact searches raw JSON for an artifact reference ending in suffix
// (case-insensitive). Priority rules, first match wins, depth-first:
//  1. a string with the suffix
//  2. a mapping's priority key holding any string
//  3. a sequence's first string element, if nothing in it matched
//
// The second return is false when the payload holds no usable reference.
func FindArtifact(raw []byte, suffix string) (string, bool) {
	node, err := Decode(raw)
	if err != nil {
		return "", false
	}
	return find(node, strings.ToLower(suffix))
}

func find(n Node, suffix string) (string, bool) {
	switch n.Kind {
	case KindString:
		if strings.HasSuffix(strings.ToLower(n.Str), suffix) {
			return n.Str, true
		}
	case KindSeq:
		for _, el := range n.Seq {
			if s, ok := find(el, suffix); ok {
				return s, true
			}
		}
		// Some models return a bare URL array without the expected suffix.
		if len(n.Seq) > 0 && n.Seq[0].Kind == KindString {
			return n.Seq[0].Str, true
		}
	case KindMap:
		for _, key := range priorityKeys {
			for _, f := range n.Fields {
				if f.Key == key && f.Value.Kind == KindString {
					return f.Value.Str, true
				}
			}
		}
		for _, f := range n.Fields {
			if s, ok := find(f.Value, suffix); ok {
				return s, true
			}
		}
	}
	return "", false
}

// Decode parses raw JSON into a Node tree, preserving mapping key order.
func Decode(raw []byte) (Node, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Node{}, fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	node, err := decodeValue(dec)
	if err != nil {
		return Node{}, fmt.Errorf("decode payload: %w", err)
	}
	return node, nil
}

func decodeValue(dec *json.Decoder) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return Node{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeMapping(dec)
		case '[':
			return decodeSequence(dec)
		}
		return Node{}, fmt.Errorf("unexpected delimiter %q", t)
	case string:
		return Node{Kind: KindString, Str: t}, nil
	default:
		// numbers, booleans, null
		return Node{Kind: KindOther}, nil
	}
}

func decodeMapping(dec *json.Decoder) (Node, error) {
	n := Node{Kind: KindMap}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Node{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return Node{}, fmt.Errorf("non-string object key %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return Node{}, err
		}
		n.Fields = append(n.Fields, Field{Key: key, Value: val})
	}
	// consume '}'
	if _, err := dec.Token(); err != nil {
		return Node{}, err
	}
	return n, nil
}

func decodeSequence(dec *json.Decoder) (Node, error) {
	n := Node{Kind: KindSeq}
	for dec.More() {
		el, err := decodeValue(dec)
		if err != nil {
			return Node{}, err
		}
		n.Seq = append(n.Seq, el)
	}
	// consume ']'
	if _, err := dec.Token(); err != nil {
		return Node{}, err
	}
	return n, nil
}
