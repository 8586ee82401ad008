package compute

// ValidateArray reports whether data, as decoded from JSON, is a list of numbers.
func ValidateArray(data any) (size int, ok bool) {
	list, isList := data.([]any)
	if !isList {
		return 0, false
	}
	for _, v := range list {
		if _, num := v.(float64); !num {
			return len(list), false
		}
	}
	return len(list), true
}

// ValidateMatrix reports whether data, as decoded from JSON, is a list of
// equally long lists of numbers.
func ValidateMatrix(data any) (rows, cols int, ok bool) {
	list, isList := data.([]any)
	if !isList {
		return 0, 0, false
	}
	rows = len(list)
	for i, rv := range list {
		n, valid := ValidateArray(rv)
		if !valid {
			return rows, 0, false
		}
		if i == 0 {
			cols = n
		} else if n != cols {
			return rows, cols, false
		}
	}
	return rows, cols, true
}
