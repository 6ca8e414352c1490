package inspect

import (
	"io"
	"strings"
	"testing"

	"oblivion/internal/httpparse"
	"oblivion/internal/signature"
)

func newReq(target string, headers []httpparse.Header, body string) *httpparse.Request {
	return &httpparse.Request{
		Method:  "GET",
		Target:  target,
		Version: httpparse.Version{Major: 1, Minor: 1},
		Headers: headers,
		Body:    strings.NewReader(body),
	}
}

func TestInspect_AllowsCleanRequest(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/users?id=1", []httpparse.Header{{Name: "host", Value: "example.com"}}, "")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Blocked {
		t.Fatalf("expected allow, got blocked category=%s", v.Category)
	}
}

func TestInspect_BlocksSQLiInTarget(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/users?id=1' OR '1'='1", nil, "")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Blocked || v.Category != signature.SQLi {
		t.Fatalf("expected SQLi block, got %+v", v)
	}
}

func TestInspect_BlocksXSSInHeaderValue(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/", []httpparse.Header{{Name: "user-agent", Value: "<script>alert(1)</script>"}}, "")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Blocked || v.Category != signature.XSS {
		t.Fatalf("expected XSS block, got %+v", v)
	}
}

func TestInspect_HeaderNameNeverMatched(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/", []httpparse.Header{{Name: "x-union-select", Value: "harmless"}}, "")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Blocked {
		t.Fatalf("expected allow since only the header name contains a signature, got %+v", v)
	}
}

func TestInspect_BlocksPathTraversalInBody(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/upload", nil, "path=../../etc/passwd")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Blocked || v.Category != signature.PathTraversal {
		t.Fatalf("expected PathTraversal block, got %+v", v)
	}
}

func TestInspect_TargetWinsOverLaterCandidates(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/x?q=../../etc/passwd", []httpparse.Header{{Name: "x", Value: "<script"}}, "")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Blocked || v.Category != signature.PathTraversal {
		t.Fatalf("expected target's PathTraversal hit to win, got %+v", v)
	}
}

func TestInspect_BodyStillReadableAfterAllow(t *testing.T) {
	e := New(signature.Default(), 1024)
	const wantBody = "name=alice&comment=hello"
	req := newReq("/submit", nil, wantBody)

	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Blocked {
		t.Fatalf("expected allow, got blocked category=%s", v.Category)
	}

	got, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read req.Body after Inspect: %v", err)
	}
	if string(got) != wantBody {
		t.Fatalf("expected req.Body to still yield %q after inspection, got %q", wantBody, got)
	}
}

func TestInspect_EncodedSignatureCaughtAfterNormalisation(t *testing.T) {
	e := New(signature.Default(), 1024)
	req := newReq("/search?q=%27%20OR%20%271%27=%271", nil, "")
	v, err := e.Inspect(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Blocked || v.Category != signature.SQLi {
		t.Fatalf("expected SQLi block on decoded target, got %+v", v)
	}
}
