// Package inspect composes the normaliser and signature set into a
// verdict over a parsed request: Allow, or Block naming the category
// that tripped.
package inspect

import (
	"bytes"
	"io"

	"oblivion/internal/httpparse"
	"oblivion/internal/normalize"
	"oblivion/internal/signature"
)

// Verdict is the outcome of inspecting one request.
type Verdict struct {
	Blocked  bool
	Category signature.Category
}

// Allow is the zero Verdict.
var Allow = Verdict{}

// Engine inspects parsed requests against a fixed signature set.
type Engine struct {
	sigs    *signature.Set
	maxBody int64
	targets *verdictCache
}

// targetCacheCapacity bounds how many distinct normalised targets the
// engine remembers verdicts for.
const targetCacheCapacity = 4096

// New builds an Engine backed by sigs, reading at most maxBody bytes of
// the request body before giving up on further inspection of it.
func New(sigs *signature.Set, maxBody int64) *Engine {
	return &Engine{sigs: sigs, maxBody: maxBody, targets: newVerdictCache(targetCacheCapacity)}
}

// Inspect's verdict depends only on req's target, header values, and
// body prefix: it normalises each candidate independently and returns
// the first signature hit in catalogue order, or Allow if none match.
// It records the target's verdict in the engine's cache and replaces
// req.Body with a reader that yields the full body again.
//
// Header names are never matched, only header values — a header whose
// name happens to contain a signature substring has no bearing on the
// verdict.
func (e *Engine) Inspect(req *httpparse.Request) (Verdict, error) {
	if v, ok := e.targets.get(req.Target); ok {
		if v.Blocked {
			return v, nil
		}
	} else {
		v := Allow
		if sig, ok := e.sigs.Match(normalize.Norm([]byte(req.Target))); ok {
			v = Verdict{Blocked: true, Category: sig.Category}
		}
		e.targets.set(req.Target, v)
		if v.Blocked {
			return v, nil
		}
	}

	for _, h := range req.Headers {
		if sig, ok := e.sigs.Match(normalize.Norm([]byte(h.Value))); ok {
			return Verdict{Blocked: true, Category: sig.Category}, nil
		}
	}

	body, err := readUpTo(req.Body, e.maxBody)
	if err != nil {
		return Verdict{}, err
	}
	// Inspecting the body prefix drains it from req.Body; splice the
	// drained bytes back in front of whatever remains so the forwarding
	// leg still sees the full body, not just what's left after EOF.
	if req.Body != nil {
		req.Body = io.MultiReader(bytes.NewReader(body), req.Body)
	}
	if sig, ok := e.sigs.Match(normalize.Norm(body)); ok {
		return Verdict{Blocked: true, Category: sig.Category}, nil
	}

	return Allow, nil
}

// readUpTo reads at most n bytes from r, tolerating EOF and the body's
// own cap error — inspection only ever needs a bounded prefix, and a
// body larger than that prefix is not itself an inspection failure.
func readUpTo(r io.Reader, n int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:read], nil
	}
	if err != nil && err != httpparse.ErrBodyTooLarge {
		return nil, err
	}
	return buf[:read], nil
}
