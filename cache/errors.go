package cache

import "errors"

var errReadOnly = errors.New("cache: write attempted on read-only transaction")
