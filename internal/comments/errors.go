package comments

import "errors"

var (
	ErrNotFound      = errors.New("comments: comment not found")
	ErrReplyText     = errors.New("comments: reply text is required")
	ErrNoAssignee    = errors.New("comments: assignee is required")
	ErrAlreadyExists = errors.New("comments: comment id already exists")
)
