package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"localmind/internal/metrics"
)

// Primitive rules shared by every compiled grammar.
var primitiveRules = map[string]string{
	"ws":      `[ \t\n]*`,
	"string":  `"\"" ( [^"\\\x7F\x00-\x1F] | "\\" ( ["\\/bfnrt] | "u" [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] ) )* "\"" ws`,
	"number":  `"-"? ( [0-9] | [1-9] [0-9]* ) ( "." [0-9]+ )? ( [eE] [-+]? [0-9]+ )? ws`,
	"integer": `"-"? ( [0-9] | [1-9] [0-9]* ) ws`,
	"boolean": `( "true" | "false" ) ws`,
	"null":    `"null" ws`,
	"value":   `( object | array | string | number | boolean | null )`,
	"object":  `"{" ws ( string ":" ws value ( "," ws string ":" ws value )* )? "}" ws`,
	"array":   `"[" ws ( value ( "," ws value )* )? "]" ws`,
}

// primitiveDeps lists the rules each primitive references.
var primitiveDeps = map[string][]string{
	"string":  {"ws"},
	"number":  {"ws"},
	"integer": {"ws"},
	"boolean": {"ws"},
	"null":    {"ws"},
	"value":   {"object", "array", "string", "number", "boolean", "null"},
	"object":  {"ws", "string", "value"},
	"array":   {"ws", "value"},
}

var ruleNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// CompileSchema converts a JSON Schema into a GBNF grammar whose root rule
// accepts exactly the JSON documents the schema describes. Supported keywords:
// type (including type lists), properties, required, items, minItems, enum,
// const, anyOf, oneOf and local $ref. Objects emit required properties first,
// then optional ones, each in declaration order; other keys are not allowed.
func CompileSchema(schema []byte) (string, error) {
	if !gjson.ValidBytes(schema) {
		return "", schemaError{msg: "not valid JSON"}
	}
	c := &schemaCompiler{
		doc:   gjson.ParseBytes(schema),
		rules: map[string]string{},
		refs:  map[string]string{},
	}
	body, err := c.body(c.doc, "root")
	if err != nil {
		return "", err
	}
	c.rules["root"] = body
	return c.render(), nil
}

type schemaCompiler struct {
	doc   gjson.Result
	rules map[string]string
	refs  map[string]string
	prims map[string]bool
	order []string
}

func (c *schemaCompiler) render() string {
	var b strings.Builder
	b.WriteString("root ::= " + c.rules["root"] + "\n")
	for _, name := range c.order {
		b.WriteString(name + " ::= " + c.rules[name] + "\n")
	}
	prims := make([]string, 0, len(c.prims))
	for p := range c.prims {
		prims = append(prims, p)
	}
	sort.Strings(prims)
	for _, p := range prims {
		b.WriteString(p + " ::= " + primitiveRules[p] + "\n")
	}
	return b.String()
}

// usePrim marks a primitive and its dependencies as needed and returns its name.
func (c *schemaCompiler) usePrim(name string) string {
	if c.prims == nil {
		c.prims = map[string]bool{}
	}
	if c.prims[name] {
		return name
	}
	c.prims[name] = true
	for _, d := range primitiveDeps[name] {
		c.usePrim(d)
	}
	return name
}

// newRule reserves a unique rule name derived from hint.
func (c *schemaCompiler) newRule(hint string) string {
	base := strings.Trim(ruleNameSanitizer.ReplaceAllString(hint, "-"), "-")
	if base == "" {
		base = "rule"
	}
	if _, prim := primitiveRules[base]; prim || base == "root" {
		base += "-r"
	}
	name := base
	for i := 1; ; i++ {
		if _, taken := c.rules[name]; !taken {
			break
		}
		name = base + strconv.Itoa(i)
	}
	c.rules[name] = ""
	c.order = append(c.order, name)
	return name
}

// ref returns a rule name for the sub-schema s, inlining primitives.
func (c *schemaCompiler) ref(s gjson.Result, hint string) (string, error) {
	if r := s.Get(`\$ref`); r.Exists() {
		return c.resolveRef(r.String())
	}
	if p, ok := c.primitive(s); ok {
		return p, nil
	}
	name := c.newRule(hint)
	body, err := c.body(s, name)
	if err != nil {
		return "", err
	}
	c.rules[name] = body
	return name, nil
}

// primitive reports whether s is a bare primitive type with no constraints.
func (c *schemaCompiler) primitive(s gjson.Result) (string, bool) {
	if s.Type == gjson.True || (s.IsObject() && len(s.Map()) == 0) {
		return c.usePrim("value"), true
	}
	if !s.IsObject() {
		return "", false
	}
	m := s.Map()
	t, ok := m["type"]
	if !ok || t.Type != gjson.String {
		return "", false
	}
	for k := range m {
		switch k {
		case "type", "description", "title", "format", "default", "examples":
		default:
			return "", false
		}
	}
	switch t.String() {
	case "string", "number", "integer", "boolean", "null":
		return c.usePrim(t.String()), true
	case "object", "array":
		return c.usePrim(t.String()), true
	}
	return "", false
}

func (c *schemaCompiler) resolveRef(ref string) (string, error) {
	if name, ok := c.refs[ref]; ok {
		return name, nil
	}
	if ref == "#" {
		c.refs[ref] = "root"
		return "root", nil
	}
	if !strings.HasPrefix(ref, "#/") {
		return "", schemaError{msg: "only local $ref is supported: " + ref}
	}
	parts := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	for i, p := range parts {
		p = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
		parts[i] = gjsonEscape(p)
	}
	target := c.doc.Get(strings.Join(parts, "."))
	if !target.Exists() {
		return "", schemaError{msg: "unresolved $ref " + ref}
	}
	name := c.newRule("ref-" + parts[len(parts)-1])
	c.refs[ref] = name
	body, err := c.body(target, name)
	if err != nil {
		return "", err
	}
	c.rules[name] = body
	return name, nil
}

func gjsonEscape(s string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(s)
}

// body returns the right-hand side of the rule for schema s.
func (c *schemaCompiler) body(s gjson.Result, name string) (string, error) {
	if s.Type == gjson.True {
		return c.usePrim("value"), nil
	}
	if s.Type == gjson.False {
		return "", schemaError{msg: "schema false accepts nothing"}
	}
	if !s.IsObject() {
		return "", schemaError{msg: "schema must be an object"}
	}
	if r := s.Get(`\$ref`); r.Exists() {
		return c.resolveRef(r.String())
	}
	if v := s.Get("const"); v.Exists() {
		return literal(v.Raw) + " " + c.usePrim("ws"), nil
	}
	if e := s.Get("enum"); e.Exists() {
		if !e.IsArray() || len(e.Array()) == 0 {
			return "", schemaError{msg: "enum must be a non-empty array"}
		}
		alts := make([]string, 0, len(e.Array()))
		for _, v := range e.Array() {
			alts = append(alts, literal(v.Raw))
		}
		return "( " + strings.Join(alts, " | ") + " ) " + c.usePrim("ws"), nil
	}
	for _, kw := range []string{"anyOf", "oneOf"} {
		if list := s.Get(kw); list.Exists() {
			subs := list.Array()
			if len(subs) == 0 {
				return "", schemaError{msg: kw + " must be a non-empty array"}
			}
			alts := make([]string, 0, len(subs))
			for i, sub := range subs {
				r, err := c.ref(sub, fmt.Sprintf("%s-%d", name, i))
				if err != nil {
					return "", err
				}
				alts = append(alts, r)
			}
			return "( " + strings.Join(alts, " | ") + " )", nil
		}
	}

	t := s.Get("type")
	if t.IsArray() {
		alts := make([]string, 0, len(t.Array()))
		for _, tt := range t.Array() {
			b, err := c.typed(s, tt.String(), name+"-"+tt.String())
			if err != nil {
				return "", err
			}
			alts = append(alts, b)
		}
		return "( " + strings.Join(alts, " | ") + " )", nil
	}
	typ := t.String()
	if typ == "" {
		switch {
		case s.Get("properties").Exists():
			typ = "object"
		case s.Get("items").Exists():
			typ = "array"
		default:
			return c.usePrim("value"), nil
		}
	}
	return c.typed(s, typ, name)
}

func (c *schemaCompiler) typed(s gjson.Result, typ, name string) (string, error) {
	switch typ {
	case "string", "number", "integer", "boolean", "null":
		return c.usePrim(typ), nil
	case "object":
		return c.object(s, name)
	case "array":
		return c.array(s, name)
	}
	return "", schemaError{msg: "unsupported type " + strconv.Quote(typ)}
}

func (c *schemaCompiler) object(s gjson.Result, name string) (string, error) {
	props := s.Get("properties")
	if !props.Exists() {
		return c.usePrim("object"), nil
	}
	ws := c.usePrim("ws")
	required := map[string]bool{}
	for _, r := range s.Get("required").Array() {
		required[r.String()] = true
	}
	var req, opt []string
	var failed error
	props.ForEach(func(key, val gjson.Result) bool {
		r, err := c.ref(val, name+"-"+key.String())
		if err != nil {
			failed = err
			return false
		}
		kv := literal(strconv.Quote(key.String())) + " " + ws + ` ":" ` + ws + " " + r
		if required[key.String()] {
			req = append(req, kv)
		} else {
			opt = append(opt, kv)
		}
		return true
	})
	if failed != nil {
		return "", failed
	}
	for k := range required {
		if !props.Get(gjsonEscape(k)).Exists() {
			return "", schemaError{msg: "required property " + strconv.Quote(k) + " is not declared"}
		}
	}

	var b strings.Builder
	b.WriteString(`"{" ` + ws)
	if len(req) > 0 {
		b.WriteString(" " + strings.Join(req, ` "," `+ws+" "))
		for _, kv := range opt {
			b.WriteString(` ( "," ` + ws + " " + kv + " )?")
		}
	} else if len(opt) > 0 {
		// No required keys: any in-order subset of the optional ones.
		alts := make([]string, len(opt))
		for i := range opt {
			var a strings.Builder
			a.WriteString(opt[i])
			for _, kv := range opt[i+1:] {
				a.WriteString(` ( "," ` + ws + " " + kv + " )?")
			}
			alts[i] = a.String()
		}
		b.WriteString(" ( " + strings.Join(alts, " | ") + " )?")
	}
	b.WriteString(` "}" ` + ws)
	return b.String(), nil
}

func (c *schemaCompiler) array(s gjson.Result, name string) (string, error) {
	items := s.Get("items")
	item := c.usePrim("value")
	if items.Exists() {
		r, err := c.ref(items, name+"-item")
		if err != nil {
			return "", err
		}
		item = r
	}
	ws := c.usePrim("ws")
	list := item + ` ( "," ` + ws + " " + item + " )*"
	if s.Get("minItems").Int() > 0 {
		return `"[" ` + ws + " " + list + ` "]" ` + ws, nil
	}
	return `"[" ` + ws + " ( " + list + ` )? "]" ` + ws, nil
}

// literal renders raw JSON text as a GBNF string literal.
func literal(raw string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return `"` + r.Replace(raw) + `"`
}

// canonicalSchema returns a key that is equal for semantically equal schemas
// regardless of key order or whitespace.
func canonicalSchema(schema []byte) (string, error) {
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return "", schemaError{msg: err.Error()}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", schemaError{msg: err.Error()}
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// grammarCache compiles each distinct schema once.
type grammarCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newGrammarCache() *grammarCache { return &grammarCache{m: map[string]string{}} }

func (g *grammarCache) get(schema []byte) (string, error) {
	key, err := canonicalSchema(schema)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if gr, ok := g.m[key]; ok {
		return gr, nil
	}
	gr, err := CompileSchema(schema)
	if err != nil {
		return "", err
	}
	metrics.GrammarCompilesTotal.Inc()
	g.m[key] = gr
	return gr, nil
}

func (g *grammarCache) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
