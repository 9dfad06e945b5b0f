package mcpserver

import "github.com/google/uuid"

func newCallID() string {
	return uuid.New().String()
}
