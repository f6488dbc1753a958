package catalog

import "errors"

var ErrListingNotFound = errors.New("listing not found in catalog")
