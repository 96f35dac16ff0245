package broker

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

// Routing keys of the request exchange.
const (
	KeyQueue        = "queue"
	KeyDequeue      = "dequeue"
	KeyGetSupported = "get_supported"
)

// Types of notification messages.
const (
	TypeStarted  = "Started"
	TypeReady    = "Ready"
	TypeError    = "Error"
	TypeFinished = "Finished"
)

const contentTypeJSON = "application/json"

type queueMessage struct {
	URIs        []string `json:"uris"`
	MimeHints   []string `json:"mime_hints"`
	Scheduler   string   `json:"scheduler"`
	HandleClass string   `json:"handle_class"`
	Flags       uint32   `json:"flags"`
}

type queueReply struct {
	Handle uint32 `json:"handle"`
	Error  string `json:"error,omitempty"`
}

type dequeueMessage struct {
	Handle uint32 `json:"handle"`
}

type supportedReply struct {
	URISchemes []string `json:"uri_schemes"`
	MimeTypes  []string `json:"mime_types"`
	Error      string   `json:"error,omitempty"`
}

type notificationMessage struct {
	Handle  uint32   `json:"handle"`
	URIs    []string `json:"uris,omitempty"`
	Code    int      `json:"code,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ServiceError is an error reported by the thumbnailing service in a reply.
type ServiceError struct {
	Op      string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service rejected %s: %s", e.Op, e.Message)
}

// decodeSignal converts a notification delivery into a core signal.
func decodeSignal(d amqp.Delivery) (thumbnailer.Signal, error) {
	var msg notificationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("invalid notification body: %w", err)
	}
	if msg.Handle == 0 {
		return nil, fmt.Errorf("notification %q without handle", d.Type)
	}

	handle := thumbnailer.Handle(msg.Handle)
	switch d.Type {
	case TypeStarted:
		return thumbnailer.Started{Handle: handle}, nil
	case TypeReady:
		return thumbnailer.Ready{Handle: handle, URIs: msg.URIs}, nil
	case TypeError:
		return thumbnailer.Error{
			Handle:  handle,
			URIs:    msg.URIs,
			Code:    msg.Code,
			Message: msg.Message,
		}, nil
	case TypeFinished:
		return thumbnailer.Finished{Handle: handle}, nil
	default:
		return nil, fmt.Errorf("unknown notification type %q", d.Type)
	}
}

func decodeQueueReply(body []byte) (thumbnailer.Handle, error) {
	var reply queueReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, fmt.Errorf("invalid queue reply: %w", err)
	}
	if reply.Error != "" {
		return 0, &ServiceError{Op: KeyQueue, Message: reply.Error}
	}
	return thumbnailer.Handle(reply.Handle), nil
}

func decodeSupportedReply(body []byte) (thumbnailer.Supported, error) {
	var reply supportedReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return thumbnailer.Supported{}, fmt.Errorf("invalid get_supported reply: %w", err)
	}
	if reply.Error != "" {
		return thumbnailer.Supported{}, &ServiceError{Op: KeyGetSupported, Message: reply.Error}
	}
	return thumbnailer.Supported{
		Schemes:      reply.URISchemes,
		ContentTypes: reply.MimeTypes,
	}, nil
}
