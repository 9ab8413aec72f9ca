// Package main provides a CLI tool for validating and testing aegis-core
// signature files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"aegis-core/internal/detection"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		os.Exit(runValidateCmd(os.Args[2:], os.Stdout, os.Stderr))
	case "list":
		os.Exit(runListCmd(os.Args[2:], os.Stdout, os.Stderr))
	case "test":
		os.Exit(runTestCmd(os.Args[2:], os.Stdout, os.Stderr))
	case "-version", "--version", "-v":
		fmt.Printf("aegis-sigs %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: aegis-sigs <command> [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  validate  Validate signature files or directories\n")
	fmt.Fprintf(w, "  list      List signatures (built-ins when no path is given)\n")
	fmt.Fprintf(w, "  test      Show which signatures match a sample payload\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Bool("verbose", false, "Show each signature")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(stderr, "Error: at least one path is required\n")
		fmt.Fprintf(stderr, "Usage: aegis-sigs validate [-verbose] <path> [<path>...]\n")
		return 1
	}

	var total, valid, invalid int
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			invalid++
			continue
		}
		for _, f := range files {
			total++
			sigs, err := detection.LoadSignatures(f)
			if err != nil {
				fmt.Fprintf(stdout, "  FAIL  %s: %v\n", f, err)
				invalid++
				continue
			}
			valid++
			fmt.Fprintf(stdout, "  OK    %s (%d signature(s))\n", f, len(sigs))
			if *verbose {
				for _, s := range sigs {
					fmt.Fprintf(stdout, "        - [%s] %s (severity=%s, action=%s, patterns=%d)\n",
						s.ID, s.Name, s.Severity, s.Action, len(s.Patterns))
				}
			}
		}
	}

	fmt.Fprintf(stdout, "\nResults: %d files checked, %d valid, %d invalid\n", total, valid, invalid)
	if invalid > 0 {
		return 1
	}
	return 0
}

func loadAll(paths []string) ([]*detection.Signature, error) {
	if len(paths) == 0 {
		return detection.BuiltinSignatures(), nil
	}
	var all []*detection.Signature
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			sigs, err := detection.LoadSignatures(f)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			all = append(all, sigs...)
		}
	}
	return all, nil
}

func runListCmd(args []string, stdout, stderr io.Writer) int {
	sigs, err := loadAll(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tATTACK TYPE\tACTION\tNAME")
	for _, s := range sigs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Severity, s.AttackType, s.Action, s.Name)
	}
	tw.Flush()
	return 0
}

func runTestCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(stderr)
	builtins := fs.Bool("builtins", false, "Also test the built-in signatures")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintf(stderr, "Usage: aegis-sigs test [-builtins] <path> <payload>\n")
		return 1
	}
	sigs, err := loadAll(rest[:1])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *builtins {
		sigs = append(detection.BuiltinSignatures(), sigs...)
	}
	payload := strings.Join(rest[1:], " ")

	matched := 0
	for _, s := range sigs {
		if pattern, ok := s.Match(payload); ok {
			matched++
			fmt.Fprintf(stdout, "  MATCH  %s (%s, %s) pattern=%q\n", s.ID, s.Severity, s.AttackType, pattern)
		}
	}
	if matched == 0 {
		fmt.Fprintf(stdout, "  no signature matched\n")
	}
	return 0
}

// collectYAMLFiles returns path itself when it is a file, or every YAML file
// beneath it when it is a directory.
func collectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
