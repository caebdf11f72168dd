package firmware

import "strings"

// CompareVersions compares dotted version strings component by component as
// integers and returns -1, 0 or 1. Missing trailing components count as 0 and
// a component that is not a plain number is read up to its first non-digit,
// so "1.2.3-beta" compares equal to "1.2.3". Components of any length compare
// by value.
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")

	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var va, vb string
		if i < len(pa) {
			va = leadingDigits(pa[i])
		}
		if i < len(pb) {
			vb = leadingDigits(pb[i])
		}
		if c := compareDigits(va, vb); c != 0 {
			return c
		}
	}
	return 0
}

// leadingDigits returns the leading decimal digits of s without leading
// zeros; "" stands for 0.
func leadingDigits(s string) string {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return strings.TrimLeft(s[:end], "0")
}

func compareDigits(a, b string) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}
