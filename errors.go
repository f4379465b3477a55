package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}

// faultKind classifies engine failures so that wire handlers can decide
// between a rejection ack, a silent no-op, and tearing down a match.
type faultKind int

const (
	faultValidation faultKind = iota
	faultNotAuthorized
	faultNotFound
	faultStateConflict
	faultUpstream
	faultFatalMatch
)

func (k faultKind) String() string {
	switch k {
	case faultValidation:
		return "validation"
	case faultNotAuthorized:
		return "not_authorized"
	case faultNotFound:
		return "not_found"
	case faultStateConflict:
		return "state_conflict"
	case faultUpstream:
		return "upstream_unavailable"
	case faultFatalMatch:
		return "match_fatal"
	}
	return "unknown"
}

type fault struct {
	kind faultKind
	msg  string
	err  error
}

func (f *fault) Error() string {
	if f.err != nil {
		return f.msg + ": " + f.err.Error()
	}
	return f.msg
}

func (f *fault) Unwrap() error {
	return f.err
}

func faultf(kind faultKind, format string, args ...any) *fault {
	return &fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapFault(kind faultKind, msg string, err error) *fault {
	return &fault{kind: kind, msg: msg, err: err}
}

// faultKindOf extracts the kind from an error chain, defaulting to
// upstream for plain errors (store and transport failures).
func faultKindOf(err error) faultKind {
	var f *fault
	if errors.As(err, &f) {
		return f.kind
	}
	return faultUpstream
}

// userMessage is the human-readable half of a structured rejection.
func userMessage(err error) string {
	var f *fault
	if errors.As(err, &f) {
		return f.msg
	}
	return "internal error"
}
