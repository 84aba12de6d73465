package audiodevice

import (
	"encoding/hex"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/voiceengine/internal/errors"
)

// DeviceInfo describes a platform audio device
type DeviceInfo struct {
	Index     int
	Name      string
	ID        string
	Direction string
	IsDefault bool
}

// EnumerateDevices lists capture and playback devices of the platform
// backend. The null device is skipped.
func EnumerateDevices() ([]DeviceInfo, error) {
	backend, err := backendForPlatform()
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentAudioDevice).
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Build()
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var devices []DeviceInfo
	for _, dir := range []struct {
		kind malgo.DeviceType
		name string
	}{
		{malgo.Capture, "capture"},
		{malgo.Playback, "playback"},
	} {
		infos, err := ctx.Devices(dir.kind)
		if err != nil {
			return nil, enumerationError(err, dir.name)
		}
		for i := range infos {
			if strings.Contains(infos[i].Name(), "Discard all samples") {
				continue
			}
			devices = append(devices, DeviceInfo{
				Index:     i,
				Name:      infos[i].Name(),
				ID:        decodeDeviceID(infos[i].ID.String()),
				Direction: dir.name,
				IsDefault: infos[i].IsDefault == 1,
			})
		}
	}
	return devices, nil
}

// SelectDevice finds a device matching name by exact name, decoded id or
// name substring, in that order. An empty or "default" name selects the
// system default, falling back to the first device.
func SelectDevice(devices []malgo.DeviceInfo, name string) (*malgo.DeviceInfo, error) {
	if isDefaultName(name) {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		if len(devices) > 0 {
			return &devices[0], nil
		}
	}

	for i := range devices {
		if devices[i].Name() == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if decodeDeviceID(devices[i].ID.String()) == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if name != "" && strings.Contains(devices[i].Name(), name) {
			return &devices[i], nil
		}
	}

	return nil, errors.Newf("no matching audio device found").
		Component(ComponentAudioDevice).
		Category(errors.CategoryNotFound).
		Context("device_name", name).
		Context("available_devices", len(devices)).
		Build()
}

// decodeDeviceID turns the hex encoded miniaudio id into readable text,
// returning the input unchanged if it is not valid hex
func decodeDeviceID(id string) string {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return id
	}
	return strings.TrimRight(string(raw), "\x00")
}
