package models

import "errors"

// ErrNotFound is returned when a referenced post, sales rule, coupon or user
// does not exist
var ErrNotFound = errors.New("not found")
