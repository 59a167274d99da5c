package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_Startup(t *testing.T) {
	msg, err := Decode([]byte(`{"command":"startup","game":"X"}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.Command != CmdStartup || msg.Game != "X" || msg.Startup == nil {
		t.Errorf("got %+v", msg)
	}
}

func TestDecode_ActionsForce(t *testing.T) {
	raw := `{"command":"actions/force","game":"X","data":{"query":"do it","action_names":["wave"]}}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.ForceAction == nil || msg.ForceAction.Query != "do it" || len(msg.ForceAction.ActionNames) != 1 {
		t.Errorf("got %+v", msg.ForceAction)
	}
}

func TestDecode_ActionResult(t *testing.T) {
	raw := `{"command":"action/result","game":"X","data":{"id":"abc123","success":true}}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.ActionResult == nil || msg.ActionResult.ID != "abc123" || !msg.ActionResult.Success {
		t.Errorf("got %+v", msg.ActionResult)
	}
}

func TestDecode_V2Mute(t *testing.T) {
	msg, err := Decode([]byte(`{"command":"mute"}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.Command != CmdMute {
		t.Errorf("got %+v", msg)
	}
}

func TestDecode_UnknownCommand(t *testing.T) {
	_, err := Decode([]byte(`{"command":"bogus"}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDecode_MissingPayload(t *testing.T) {
	_, err := Decode([]byte(`{"command":"context","game":"X"}`))
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestEncodeAction_RoundTrip(t *testing.T) {
	encoded, err := EncodeAction(ActionMessage{ID: "deadbeef", Name: "wave", Data: nil})
	if err != nil {
		t.Fatalf("EncodeAction error: %v", err)
	}
	var decoded struct {
		Command Command `json:"command"`
		Data    struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Command != CmdAction || decoded.Data.ID != "deadbeef" || decoded.Data.Name != "wave" {
		t.Errorf("got %+v", decoded)
	}
}

func TestInjectNoAdditionalProperties(t *testing.T) {
	in := json.RawMessage(`{"type":"object","properties":{"x":{"type":"object"}}}`)
	out, err := InjectNoAdditionalProperties(in)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	var m map[string]any
	json.Unmarshal(out, &m)
	if m["additionalProperties"] != false {
		t.Errorf("top-level additionalProperties not injected: %v", m)
	}
	props := m["properties"].(map[string]any)
	x := props["x"].(map[string]any)
	if x["additionalProperties"] != false {
		t.Errorf("nested additionalProperties not injected: %v", x)
	}
}

func TestInjectNoAdditionalProperties_RespectsExisting(t *testing.T) {
	in := json.RawMessage(`{"type":"object","additionalProperties":true}`)
	out, err := InjectNoAdditionalProperties(in)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	var m map[string]any
	json.Unmarshal(out, &m)
	if m["additionalProperties"] != true {
		t.Errorf("existing additionalProperties overwritten: %v", m)
	}
}

func TestInjectNoAdditionalProperties_NonObjectSchema(t *testing.T) {
	in := json.RawMessage(`{"type":"string"}`)
	out, err := InjectNoAdditionalProperties(in)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	var m map[string]any
	json.Unmarshal(out, &m)
	if _, has := m["additionalProperties"]; has {
		t.Errorf("additionalProperties should not be injected for non-object schema: %v", m)
	}
}
