package share

import "fmt"

// ShareCreationError 远端拒绝创建分享，Reason 是服务端给出的原因
type ShareCreationError struct {
	Status int
	Reason string
}

func (e *ShareCreationError) Error() string {
	return fmt.Sprintf("share creation failed (status %d): %s", e.Status, e.Reason)
}

// ShareRevocationError 远端撤销返回了 404 以外的失败状态
type ShareRevocationError struct {
	Token  string
	Status int
	Reason string
}

func (e *ShareRevocationError) Error() string {
	return fmt.Sprintf("share revocation failed for %s (status %d): %s", e.Token, e.Status, e.Reason)
}

// TransportError 与远端分享服务之间的网络层失败，远端的真实状态未知
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("share service %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError 本地分享文件读写失败，只记日志
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("share store %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
