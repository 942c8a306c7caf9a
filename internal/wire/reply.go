package wire

import (
	"encoding/json"
	"fmt"
)

// Reply is the payload of a response.
// Status true carries Data; status false carries Message.
type Reply struct {
	Status  bool
	Data    any
	Message string
}

// Success builds a successful reply.
func Success(data any) Reply {
	return Reply{Status: true, Data: data}
}

// Failure builds a failed reply from an error message.
func Failure(message string) Reply {
	return Reply{Status: false, Message: message}
}

type successJSON struct {
	Status bool `json:"status"`
	Data   any  `json:"data"`
}

type failureJSON struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// MarshalJSON emits {status:true,data} or {status:false,message}.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Status {
		return json.Marshal(successJSON{Status: true, Data: r.Data})
	}
	return json.Marshal(failureJSON{Status: false, Message: r.Message})
}

// UnmarshalJSON accepts either reply shape.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status  *bool  `json:"status"`
		Data    any    `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Status == nil {
		return fmt.Errorf("%w: reply without status", ErrInvalidMessage)
	}
	*r = Reply{Status: *raw.Status}
	if r.Status {
		r.Data = raw.Data
	} else {
		r.Message = raw.Message
	}
	return nil
}
