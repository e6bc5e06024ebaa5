package engine

import (
	"strings"
	"testing"
)

func TestCompileSchema(t *testing.T) {
	cases := []struct {
		name    string
		schema  string
		want    []string
		wantErr bool
	}{
		{
			name:   "primitive root",
			schema: `{"type":"integer"}`,
			want:   []string{"root ::= integer\n", "integer ::= "},
		},
		{
			name:   "enum",
			schema: `{"enum":["red","green",3]}`,
			want:   []string{`root ::= ( "\"red\"" | "\"green\"" | "3" ) ws`},
		},
		{
			name:   "const",
			schema: `{"const":"yes"}`,
			want:   []string{`root ::= "\"yes\"" ws`},
		},
		{
			name:   "required before optional",
			schema: `{"type":"object","properties":{"b":{"type":"string"},"a":{"type":"number"}},"required":["a"]}`,
			want:   []string{`root ::= "{" ws "\"a\"" ws ":" ws number ( "," ws "\"b\"" ws ":" ws string )? "}" ws`},
		},
		{
			name:   "only optional",
			schema: `{"properties":{"x":{"type":"null"},"y":{"type":"boolean"}}}`,
			want: []string{
				`( "\"x\"" ws ":" ws null ( "," ws "\"y\"" ws ":" ws boolean )? | "\"y\"" ws ":" ws boolean )?`,
			},
		},
		{
			name:   "array with min items",
			schema: `{"type":"array","items":{"type":"string"},"minItems":1}`,
			want:   []string{`root ::= "[" ws string ( "," ws string )* "]" ws`},
		},
		{
			name:   "nested object gets its own rule",
			schema: `{"type":"object","properties":{"pos":{"type":"object","properties":{"x":{"type":"integer"}},"required":["x"]}},"required":["pos"]}`,
			want:   []string{`ws root-pos "}" ws`, `root-pos ::= "{" ws "\"x\"" ws ":" ws integer "}" ws`},
		},
		{
			name:   "anyOf and type list",
			schema: `{"anyOf":[{"type":"string"},{"type":["integer","null"]}]}`,
			want:   []string{"root ::= ( string | root-1 )", "root-1 ::= ( integer | null )"},
		},
		{
			name:   "local ref",
			schema: `{"$defs":{"item":{"type":"object","properties":{"n":{"type":"string"}},"required":["n"]}},"type":"array","items":{"$ref":"#/$defs/item"}}`,
			want:   []string{"ref-item ::= ", `root ::= "[" ws ( ref-item ( "," ws ref-item )* )? "]" ws`},
		},
		{
			name:   "untyped value",
			schema: `{}`,
			want:   []string{"root ::= value", "value ::= ", "object ::= ", "array ::= "},
		},
		{name: "remote ref", schema: `{"$ref":"https://example.com/s.json"}`, wantErr: true},
		{name: "unknown type", schema: `{"type":"date"}`, wantErr: true},
		{name: "undeclared required", schema: `{"properties":{"a":{}},"required":["b"]}`, wantErr: true},
		{name: "empty enum", schema: `{"enum":[]}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := CompileSchema([]byte(tc.schema))
			if tc.wantErr {
				if !IsSchemaError(err) {
					t.Fatalf("expected schema error, got %v\n%s", err, g)
				}
				return
			}
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			for _, w := range tc.want {
				if !strings.Contains(g, w) {
					t.Fatalf("grammar missing %q:\n%s", w, g)
				}
			}
			if !strings.Contains(g, "ws ::= ") && strings.Contains(g, " ws") {
				t.Fatalf("ws referenced but not defined:\n%s", g)
			}
		})
	}
}

func TestCompileSchemaRecursiveRef(t *testing.T) {
	schema := `{"$defs":{"node":{"type":"object","properties":{"kids":{"type":"array","items":{"$ref":"#/$defs/node"}}}}},"$ref":"#/$defs/node"}`
	g, err := CompileSchema([]byte(schema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(g, "ref-node ::= ") || !strings.Contains(g, "ref-node ( \",\" ws ref-node )*") {
		t.Fatalf("expected recursive rule:\n%s", g)
	}
}
