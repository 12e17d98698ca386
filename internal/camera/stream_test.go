package camera

import (
	"context"
	"errors"
	"testing"

	"satsuei/internal/apperr"
)

func TestStreamHandle_StopIsIdempotent(t *testing.T) {
	platform := NewMockPlatform(twoDevices())
	handle := NewStreamHandle(platform, nil)

	stream, err := handle.Acquire(context.Background(), StreamConstraints{Facing: FacingBack})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if stream.ID == "" {
		t.Error("Expected stream ID to be set")
	}
	if len(stream.Tracks()) == 0 {
		t.Error("Expected at least one track")
	}

	for i := 0; i < 3; i++ {
		if err := handle.Stop(stream); err != nil {
			t.Fatalf("Stop #%d failed: %v", i, err)
		}
	}
	if platform.AliveStreams() != 0 {
		t.Errorf("Expected 0 alive streams, got %d", platform.AliveStreams())
	}
	if _, ok := stream.LatestFrame(); ok {
		t.Error("Expected no frames after stop")
	}
	if err := handle.Stop(nil); err != nil {
		t.Errorf("Stop(nil) returned error: %v", err)
	}
}

func TestStreamHandle_AcquireErrorMapping(t *testing.T) {
	testCases := []struct {
		name     string
		failure  error
		expected *apperr.Error
	}{
		{"権限拒否", apperr.New(apperr.KindPermissionDenied, "acquire", "denied"), apperr.ErrPermissionDenied},
		{"デバイスなし", apperr.New(apperr.KindDeviceNotFound, "acquire", "missing"), apperr.ErrDeviceNotFound},
		{"制約不可", apperr.New(apperr.KindConstraintUnsatisfiable, "acquire", "size"), apperr.ErrConstraintUnsatisfiable},
		{"未分類", errors.New("driver exploded"), apperr.ErrUnknownAcquisition},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			platform := NewMockPlatform(twoDevices())
			platform.FailNext(tc.failure)
			handle := NewStreamHandle(platform, nil)

			_, err := handle.Acquire(context.Background(), StreamConstraints{})
			if !errors.Is(err, tc.expected) {
				t.Errorf("Expected %s, got %v", tc.expected.Kind, err)
			}
		})
	}
}

func TestStreamHandle_NoDevices(t *testing.T) {
	handle := NewStreamHandle(NewMockPlatform(nil), nil)

	_, err := handle.Acquire(context.Background(), StreamConstraints{Facing: FacingBack})
	if !errors.Is(err, apperr.ErrDeviceNotFound) {
		t.Fatalf("Expected DeviceNotFound, got %v", err)
	}
}

func TestSelectDevice(t *testing.T) {
	devices := twoDevices()

	d, ok := selectDevice(devices, StreamConstraints{Facing: FacingFront})
	if !ok || d.ID != "cam-front" {
		t.Errorf("Expected cam-front, got %+v", d)
	}
	d, ok = selectDevice(devices, StreamConstraints{DeviceID: "cam-back", Facing: FacingFront})
	if !ok || d.ID != "cam-back" {
		t.Errorf("Expected explicit device to win, got %+v", d)
	}
	if _, ok := selectDevice(devices, StreamConstraints{DeviceID: "missing"}); ok {
		t.Error("Expected unknown device id to fail")
	}
	d, ok = selectDevice(devices, StreamConstraints{Facing: FacingUnknown})
	if !ok || d.ID != "cam-back" {
		t.Errorf("Expected first device as fallback, got %+v", d)
	}
}
