package internal

import "errors"

var ErrLinkNotFound = errors.New("link not found")
var ErrNoConnString = errors.New("no database connection string configured")
