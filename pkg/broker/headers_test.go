package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestAttemptFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"nil table", nil, 1},
		{"missing", amqp.Table{}, 1},
		{"int32", amqp.Table{HeaderAttempt: int32(3)}, 3},
		{"int64", amqp.Table{HeaderAttempt: int64(4)}, 4},
		{"uint8", amqp.Table{HeaderAttempt: uint8(2)}, 2},
		{"float after json", amqp.Table{HeaderAttempt: float64(5)}, 5},
		{"string", amqp.Table{HeaderAttempt: " 6 "}, 6},
		{"garbage string", amqp.Table{HeaderAttempt: "six"}, 1},
		{"zero clamps", amqp.Table{HeaderAttempt: int32(0)}, 1},
		{"wrong type", amqp.Table{HeaderAttempt: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AttemptFromHeaders(tt.headers); got != tt.want {
				t.Fatalf("AttemptFromHeaders() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCloneHeaders(t *testing.T) {
	orig := amqp.Table{HeaderAttempt: int32(1)}
	clone := CloneHeaders(orig)
	clone[HeaderAttempt] = int32(2)
	if orig[HeaderAttempt] != int32(1) {
		t.Fatal("clone aliases the original table")
	}
	if CloneHeaders(nil) == nil {
		t.Fatal("clone of nil should be writable")
	}
}
