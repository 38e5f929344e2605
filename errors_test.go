package nvme2k

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorCarriesOpAndCode(t *testing.T) {
	err := NewError("Submit", ErrInvalidRequest, "transfer exceeds MaxTransferSizeBytes")
	assert.Equal(t, "Submit", err.Op)
	assert.Equal(t, ErrInvalidRequest, err.Code)
	assert.Contains(t, err.Error(), "transfer exceeds")
}

func TestNewDeviceErrorCarriesNVMeStatus(t *testing.T) {
	err := NewDeviceError("handleIO", 0x06)
	assert.Equal(t, ErrDeviceProtocol, err.Code)
	assert.Equal(t, uint16(0x06), err.NVMeStatus)
	assert.Contains(t, err.Error(), "0x06")
}

func TestNewQueueErrorCarriesQueue(t *testing.T) {
	err := NewQueueError("Submit", QueueIO, ErrQueueFull)
	assert.Equal(t, QueueIO, err.Queue)
	assert.Contains(t, err.Error(), "queue=io")
}

func TestWrapErrorPreservesUnwrap(t *testing.T) {
	inner := errors.New("arena exhausted")
	err := WrapError("Enable", ErrLifecycle, inner)
	assert.ErrorIs(t, err, err)
	assert.Equal(t, inner, errors.Unwrap(err))
}

func TestWrapErrorNilIsNil(t *testing.T) {
	assert.Nil(t, WrapError("Enable", ErrLifecycle, nil))
}

func TestIsCodeMatchesByCodeOnly(t *testing.T) {
	err := NewError("Submit", ErrPRPExhausted, "no free page")
	assert.True(t, IsCode(err, ErrPRPExhausted))
	assert.False(t, IsCode(err, ErrQueueFull))
	assert.False(t, IsCode(nil, ErrPRPExhausted))
}

func TestErrorIsDistinguishesCodes(t *testing.T) {
	a := NewError("Submit", ErrQueueFull, "full")
	b := NewError("Submit", ErrQueueFull, "also full")
	c := NewError("Submit", ErrPRPExhausted, "exhausted")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
