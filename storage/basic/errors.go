package basic

import (
	"errors"
	"fmt"
)

var (
	// 边界校验错误
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrKeyNotFound   = errors.New("key not found")
	ErrNoValue       = errors.New("key has no value")
	ErrBadOffset     = errors.New("offset beyond end of value")

	// 存储错误
	ErrCorruption = errors.New("corruption detected")
	ErrOutOfSpace = errors.New("out of space")
	ErrIOError    = errors.New("IO error occurred")
	ErrLocked     = errors.New("database file is locked by another process")

	// 状态错误
	ErrInvalidState   = errors.New("invalid state")
	ErrTxClosed       = fmt.Errorf("%w: transaction closed", ErrInvalidState)
	ErrTxReadOnly     = fmt.Errorf("%w: transaction is read-only", ErrInvalidState)
	ErrDatabaseClosed = fmt.Errorf("%w: database closed", ErrInvalidState)
)

// StorageError 存储层错误结构
type StorageError struct {
	Op  string // 操作名称
	Err error  // 原始错误
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewError 创建新的存储层错误
func NewError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: err,
	}
}

// ioError 底层IO错误，同时归类为 ErrIOError
type ioError struct {
	cause error
}

func (e *ioError) Error() string {
	return ErrIOError.Error() + ": " + e.cause.Error()
}

func (e *ioError) Unwrap() error {
	return e.cause
}

func (e *ioError) Is(target error) bool {
	return target == ErrIOError
}

// NewIOError 将底层错误包装为IO错误
func NewIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIOError) {
		return NewError(op, err)
	}
	return NewError(op, &ioError{cause: err})
}

// NewCorruption 创建损坏错误
func NewCorruption(op string, format string, args ...interface{}) error {
	return NewError(op, fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...)))
}

// IsCorruption 检查是否为数据损坏错误
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsIOError 检查是否为IO错误
func IsIOError(err error) bool {
	return errors.Is(err, ErrIOError)
}

// IsOutOfSpace 检查是否为空间不足错误
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace)
}

// IsInvalidState 检查是否为状态错误
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsFatal 存储类错误会终止所在的写事务
func IsFatal(err error) bool {
	return IsCorruption(err) || IsIOError(err) || IsOutOfSpace(err)
}
