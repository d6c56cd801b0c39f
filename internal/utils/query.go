package utils

// ToSkipAndLimit converts 1-based page/size query parameters into
// skip/limit values for the store, applying defaults for zero values.
func ToSkipAndLimit(page uint64, size uint64) (skip uint64, limit uint64) {
	if page == 0 {
		page = 1
	}

	if size == 0 {
		size = 10
	}

	skip = (page - 1) * size
	limit = size

	return
}
