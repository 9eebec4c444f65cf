package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCorrelationIDStringAndNumber(t *testing.T) {
	t.Parallel()

	var resp Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"abc-123","result":{}}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := resp.CorrelationID(); got != "abc-123" {
		t.Fatalf("string id: got %q", got)
	}

	var numeric Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`), &numeric); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := numeric.CorrelationID(); got != "7" {
		t.Fatalf("numeric id: got %q", got)
	}
	if got := (&Response{}).CorrelationID(); got != "" {
		t.Fatalf("absent id: got %q", got)
	}
}

func TestIsNotification(t *testing.T) {
	t.Parallel()

	var resp Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.IsNotification() {
		t.Fatal("expected notification")
	}
	if (&Response{JSONRPC: Version, ID: json.RawMessage(`1`), Method: "x"}).IsNotification() {
		t.Fatal("reply with id misclassified as notification")
	}
}

func TestErrorThroughErrorsAs(t *testing.T) {
	t.Parallel()

	var err error = Errorf(CodeNotFound, "provider %q not found", "gh")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatal("errors.As failed")
	}
	if rpcErr.Code != CodeNotFound {
		t.Fatalf("code: got %d", rpcErr.Code)
	}
}

func TestDecodeToolNamesAcceptsBothShapes(t *testing.T) {
	t.Parallel()

	wrapped := json.RawMessage(`{"tools":[{"name":"search"},{"name":"fetch"}]}`)
	if got := DecodeToolNames(wrapped); len(got) != 2 || got[0] != "search" {
		t.Fatalf("wrapped: got %v", got)
	}
	bare := json.RawMessage(`[{"name":"search"}]`)
	if got := DecodeToolNames(bare); len(got) != 1 || got[0] != "search" {
		t.Fatalf("bare: got %v", got)
	}
	if got := DecodeToolNames(json.RawMessage(`"garbage"`)); got != nil {
		t.Fatalf("garbage: got %v", got)
	}
}
