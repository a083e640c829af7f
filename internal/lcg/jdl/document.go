// Package jdl renders job descriptors in the gLite Job Description Language.
package jdl

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Well known attribute names.
const (
	Type                = "Type"
	VirtualOrganisation = "VirtualOrganisation"
	Executable          = "Executable"
	Environment         = "Environment"
	StdOutput           = "StdOutput"
	StdError            = "StdError"
	InputSandbox        = "InputSandbox"
	OutputSandbox       = "OutputSandbox"
	Requirements        = "Requirements"
	InputData           = "InputData"
	DataAccessProtocol  = "DataAccessProtocol"
	JobType             = "JobType"
	NodeNumber          = "NodeNumber"
	RetryCount          = "RetryCount"
	ShallowRetryCount   = "ShallowRetryCount"
	AllowZippedISB      = "AllowZippedISB"
	PerusalFileEnable   = "PerusalFileEnable"
	PerusalTimeInterval = "PerusalTimeInterval"
	Rank                = "Rank"
	ReplicaCatalog      = "ReplicaCatalog"
	StorageIndex        = "StorageIndex"
	MyProxyServer       = "MyProxyServer"
	DataRequirements    = "DataRequirements"
	Nodes               = "Nodes"
)

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
	kindList
	kindRequirements
	kindNodes
)

type attribute struct {
	kind  kind
	str   string
	num   int
	flag  bool
	list  []string
	nodes []Node
}

// Document is a job descriptor. Attributes are rendered in the order they were first set.
type Document struct {
	keys  []string
	attrs map[string]attribute
}

func NewDocument() *Document {
	return &Document{attrs: map[string]attribute{}}
}

func (d *Document) set(key string, attr attribute) {
	if _, exists := d.attrs[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.attrs[key] = attr
}

func (d *Document) SetString(key, value string) {
	d.set(key, attribute{kind: kindString, str: value})
}

func (d *Document) SetInt(key string, value int) {
	d.set(key, attribute{kind: kindInt, num: value})
}

func (d *Document) SetBool(key string, value bool) {
	d.set(key, attribute{kind: kindBool, flag: value})
}

func (d *Document) SetList(key string, values []string) {
	d.set(key, attribute{kind: kindList, list: append([]string(nil), values...)})
}

// SetEnvironment sets the Environment attribute from a map, sorted by variable name.
func (d *Document) SetEnvironment(env map[string]string) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]string, 0, len(names))
	for _, name := range names {
		values = append(values, name+"="+env[name])
	}
	d.SetList(Environment, values)
}

// SetRequirements sets the Requirements expression as the conjunction of the given expressions.
func (d *Document) SetRequirements(expressions []string) {
	d.set(Requirements, attribute{kind: kindRequirements, list: append([]string(nil), expressions...)})
}

// AddRequirement appends an expression to the Requirements conjunction.
func (d *Document) AddRequirement(expression string) {
	attr := d.attrs[Requirements]
	d.SetRequirements(append(attr.list, expression))
}

// Has reports whether the attribute has been set.
func (d *Document) Has(key string) bool {
	_, ok := d.attrs[key]
	return ok
}

// List returns a list attribute, or nil if it is unset or not a list.
func (d *Document) List(key string) []string {
	attr, ok := d.attrs[key]
	if !ok || (attr.kind != kindList && attr.kind != kindRequirements) {
		return nil
	}
	return append([]string(nil), attr.list...)
}

// StringValue returns a string attribute, or "" if it is unset or not a string.
func (d *Document) StringValue(key string) string {
	attr, ok := d.attrs[key]
	if !ok || attr.kind != kindString {
		return ""
	}
	return attr.str
}

// Render returns the descriptor as JDL text.
func (d *Document) Render() string {
	var b strings.Builder
	b.WriteString("[\n")
	for _, key := range d.keys {
		attr := d.attrs[key]
		switch attr.kind {
		case kindString:
			fmt.Fprintf(&b, "%s = %s;\n", key, quote(attr.str))
		case kindInt:
			fmt.Fprintf(&b, "%s = %d;\n", key, attr.num)
		case kindBool:
			fmt.Fprintf(&b, "%s = %s;\n", key, strconv.FormatBool(attr.flag))
		case kindList:
			quoted := make([]string, 0, len(attr.list))
			for _, v := range attr.list {
				quoted = append(quoted, quote(v))
			}
			fmt.Fprintf(&b, "%s = {\n   %s\n};\n", key, strings.Join(quoted, ",\n   "))
		case kindRequirements:
			if len(attr.list) == 0 {
				continue
			}
			fmt.Fprintf(&b, "%s = \n   %s;\n", key, strings.Join(attr.list, " &&\n   "))
		case kindNodes:
			lines := make([]string, 0, len(attr.nodes))
			for _, node := range attr.nodes {
				lines = append(lines, fmt.Sprintf("[NodeName = %s; file=%s;]", quote(node.Name), quote(node.File)))
			}
			fmt.Fprintf(&b, "%s = {\n%s\n};\n", key, strings.Join(lines, ",\n"))
		}
	}
	b.WriteString("]\n")
	return b.String()
}

// WriteFile renders the document to the given path.
func (d *Document) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(d.Render()), 0o644); err != nil {
		return errors.Wrapf(err, "error writing descriptor %s", path)
	}
	return nil
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
