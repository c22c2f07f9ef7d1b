package kv

import "errors"

var (
	ErrCapacityExceeded     = errors.New("kv: device capacity exceeded")
	ErrKeyExists            = errors.New("kv: key already exists")
	ErrKeyNotFound          = errors.New("kv: key not found")
	ErrInvalidKey           = errors.New("kv: invalid key")
	ErrInvalidValue         = errors.New("kv: invalid value")
	ErrBufferTooSmall       = errors.New("kv: buffer too small")
	ErrInvalidOffset        = errors.New("kv: value offset out of range")
	ErrInvalidOption        = errors.New("kv: unsupported option")
	ErrNullParam            = errors.New("kv: required parameter is nil")
	ErrTooManyIterators     = errors.New("kv: too many open iterators")
	ErrIteratorEnded        = errors.New("kv: iterator reached end of range")
	ErrIteratorClosed       = errors.New("kv: iterator is closed")
	ErrDeviceNotInitialized = errors.New("kv: device not initialized for queued operation")
	ErrDeviceClosed         = errors.New("kv: device is closed")
)
