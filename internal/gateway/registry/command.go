package registry

import (
	"encoding/hex"
	"errors"
	"fmt"

	"nuha.dev/gpsgate/internal/model"
)

// ErrDeviceNotConnected is returned when the target device has no bound
// active connection. Kept distinct from ErrUnsupportedCommand so the API
// layer can map them to different responses.
var ErrDeviceNotConnected = errors.New("device not connected")

type ErrUnsupportedCommand struct {
	Protocol string
	Type     string
}

func (e *ErrUnsupportedCommand) Error() string {
	return fmt.Sprintf("protocol %s does not support command %s", e.Protocol, e.Type)
}

// SendCommand writes an encoded command frame to the device's live
// connection. Custom payloads bypass the protocol encoder: text codecs get
// the payload verbatim, binary codecs get it hex-decoded.
func (r *Registry) SendCommand(cmd *model.Command) error {
	r.mu.RLock()
	a, ok := r.devices[cmd.DeviceID]
	var b Binding
	if ok {
		b = a.binding
	}
	r.mu.RUnlock()
	if !ok || b.Writer == nil {
		return ErrDeviceNotConnected
	}

	if cmd.Type == model.CmdCustom {
		data := cmd.String(model.KeyData)
		var payload []byte
		if b.Textual {
			payload = []byte(data)
		} else {
			decoded, err := hex.DecodeString(data)
			if err != nil {
				return fmt.Errorf("bad custom payload: %w", err)
			}
			payload = decoded
		}
		_, err := b.Writer.Write(payload)
		return err
	}

	if !commandSupported(b.Supported, cmd.Type) {
		return &ErrUnsupportedCommand{Protocol: b.Protocol, Type: cmd.Type}
	}
	if b.Encoder == nil {
		return &ErrUnsupportedCommand{Protocol: b.Protocol, Type: cmd.Type}
	}
	frame, err := b.Encoder.Encode(cmd)
	if err != nil {
		return err
	}
	_, err = b.Writer.Write(frame)
	return err
}

func commandSupported(supported []string, cmdType string) bool {
	for _, s := range supported {
		if s == cmdType {
			return true
		}
	}
	return false
}
