package digest

import (
	"bytes"
	"fmt"
	"runtime"
)

// Version is the cuenv build version embedded in every cache-key envelope
// and every TaskResultMeta. Overridden at link time in real builds; the
// default value is stable enough for tests.
var Version = "0.1.0"

// Platform returns the "os-arch" string used in every envelope, built from
// Go's GOOS and GOARCH names (e.g. "linux-amd64").
func Platform() string {
	return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
}

// Canonicalize renders env as canonical JSON per SPEC_FULL.md §5.2's six
// rules: lexicographic object keys, RFC 8259 control-character escaping, no
// floats, preserved array order, omitted-when-absent optionals.
func Canonicalize(env Envelope) ([]byte, error) {
	if len(env.Command) == 0 {
		return nil, fmt.Errorf("digest: envelope has empty command")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true

	writeField := func(name string, write func()) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeJSONString(&buf, name)
		buf.WriteByte(':')
		write()
	}

	writeField("command", func() { writeStringArray(&buf, env.Command) })
	writeField("cuenv_version", func() { writeJSONString(&buf, env.CuenvVersion) })
	writeField("env", func() { writeOrderedMap(&buf, env.Env) })
	writeField("inputs", func() { writeOrderedMap(&buf, env.Inputs) })
	writeField("platform", func() { writeJSONString(&buf, env.Platform) })
	if env.Shell != nil {
		writeField("shell", func() { writeBool(&buf, *env.Shell) })
	}
	if env.WorkspaceLockfileHashes != nil {
		writeField("workspace_lockfile_hashes", func() { writeOrderedMap(&buf, *env.WorkspaceLockfileHashes) })
	}
	if env.WorkspacePackageHashes != nil {
		writeField("workspace_package_hashes", func() { writeOrderedMap(&buf, *env.WorkspacePackageHashes) })
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeOrderedMap(buf *bytes.Buffer, om OrderedMap) {
	buf.WriteByte('{')
	for i, k := range om.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		v, _ := om.Get(k)
		writeJSONString(buf, v)
	}
	buf.WriteByte('}')
}

func writeStringArray(buf *bytes.Buffer, arr []string) {
	buf.WriteByte('[')
	for i, s := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, s)
	}
	buf.WriteByte(']')
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
}

// writeJSONString escapes s per RFC 8259: control characters U+0000-U+001F,
// '"', and '\' are escaped; every other code point is emitted literally as
// UTF-8 bytes, matching canonicalization rule 2.
func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
