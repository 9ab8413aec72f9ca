package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodSigs = `
- id: custom-webshell
  name: Web shell upload
  attack_type: malware_signature
  severity: critical
  patterns:
    - 'eval\(base64_decode'
- id: custom-traversal
  name: Path traversal
  attack_type: injection
  severity: medium
  patterns:
    - '\.\./\.\./'
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", goodSigs)
	bad := writeFile(t, dir, "bad.yml", "- id: broken\n  name: Broken\n  severity: extreme\n  patterns: ['x']\n")

	var out, errOut bytes.Buffer
	if code := runValidateCmd([]string{good}, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "OK    "+good+" (2 signature(s))") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	if code := runValidateCmd([]string{dir}, &out, &errOut); code != 1 {
		t.Errorf("expected exit 1 with an invalid file, got %d", code)
	}
	if !strings.Contains(out.String(), "FAIL  "+bad) {
		t.Errorf("expected FAIL line for %s, got:\n%s", bad, out.String())
	}
	if !strings.Contains(out.String(), "2 files checked, 1 valid, 1 invalid") {
		t.Errorf("unexpected summary:\n%s", out.String())
	}

	if code := runValidateCmd(nil, &out, &errOut); code != 1 {
		t.Errorf("expected exit 1 without paths, got %d", code)
	}
}

func TestList(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runListCmd(nil, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("expected header and built-in rows, got:\n%s", out.String())
	}

	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", goodSigs)
	out.Reset()
	if code := runListCmd([]string{dir}, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "custom-webshell") || !strings.Contains(out.String(), "kill") {
		t.Errorf("expected custom signature with default kill action, got:\n%s", out.String())
	}
}

func TestTest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "good.yaml", goodSigs)

	var out, errOut bytes.Buffer
	if code := runTestCmd([]string{path, "GET", "/files/../../etc/passwd"}, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "MATCH  custom-traversal") {
		t.Errorf("expected traversal match, got:\n%s", out.String())
	}

	out.Reset()
	runTestCmd([]string{path, "hello world"}, &out, &errOut)
	if !strings.Contains(out.String(), "no signature matched") {
		t.Errorf("expected no match, got:\n%s", out.String())
	}

	if code := runTestCmd([]string{path}, &out, &errOut); code != 1 {
		t.Errorf("expected exit 1 without payload, got %d", code)
	}
}
