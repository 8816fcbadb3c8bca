package bridge

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Command
	}{
		{"auth", `{"type":"auth","token":"t"}`, AuthCommand{Token: "t"}},
		{"auth numeric token", `{"type":"auth","token":5}`, AuthCommand{}},
		{"ping", `{"type":"ping"}`, PingCommand{}},
		{"set_filter", `{"type":"set_filter","filter":"a+b"}`, SetFilterCommand{Filter: "a+b"}},
		{"set_filter missing", `{"type":"set_filter"}`, SetFilterCommand{}},
		{"set_filter number", `{"type":"set_filter","filter":42}`, SetFilterCommand{Filter: "42"}},
		{"clear_filter", `{"type":"clear_filter"}`, ClearFilterCommand{}},
		{"subscribe array", `{"type":"subscribe","channels":["a","b"]}`, SubscribeCommand{Channels: []string{"a", "b"}}},
		{"subscribe single", `{"type":"subscribe","channel":"a"}`, SubscribeCommand{Channels: []string{"a"}}},
		{"subscribe coerces", `{"type":"subscribe","channels":[1,true]}`, SubscribeCommand{Channels: []string{"1", "true"}}},
		{"subscribe nothing", `{"type":"subscribe"}`, SubscribeCommand{}},
		{"subscribe array wins", `{"type":"subscribe","channels":[],"channel":"x"}`, SubscribeCommand{Channels: []string{}}},
		{"unsubscribe", `{"type":"unsubscribe","channel":"a"}`, UnsubscribeCommand{Channels: []string{"a"}}},
		{"send", `{"type":"send","channel":" news ","message":{"k":1}}`, SendCommand{Channel: " news ", Message: []byte(`{"k":1}`)}},
		{"join", `{"type":"join","channel":"c"}`, JoinCommand{Channel: "c"}},
		{"open", `{"type":"open","channel":"c","via":"0000intercom"}`, OpenCommand{Channel: "c", Via: "0000intercom"}},
		{"open falsy via", `{"type":"open","channel":"c","via":0}`, OpenCommand{Channel: "c"}},
		{"unknown", `{"type":"dance"}`, UnknownCommand{Name: "dance"}},
		{"missing type", `{}`, UnknownCommand{Name: "undefined"}},
		{"numeric type", `{"type":7}`, UnknownCommand{Name: "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.frame))
			if err != nil {
				t.Fatalf("DecodeCommand(%s) error: %v", tt.frame, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("DecodeCommand(%s) = %#v, want %#v", tt.frame, got, tt.want)
			}
		})
	}
}

func TestDecodeCommand_Errors(t *testing.T) {
	tests := []struct {
		frame string
		want  error
	}{
		{`not json`, ErrInvalidJSON},
		{`{"type":`, ErrInvalidJSON},
		{``, ErrInvalidJSON},
		{`null`, ErrInvalidMessage},
		{`"ping"`, ErrInvalidMessage},
		{`42`, ErrInvalidMessage},
		{`[{"type":"ping"}]`, ErrInvalidMessage},
	}
	for _, tt := range tests {
		_, err := DecodeCommand([]byte(tt.frame))
		if !errors.Is(err, tt.want) {
			t.Fatalf("DecodeCommand(%q) error = %v, want %v", tt.frame, err, tt.want)
		}
	}
}
