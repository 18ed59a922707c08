package engine

import (
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// CompareVersions compares two dotted bundle versions such as "1.2.3.4".
// A leading "v" is ignored and missing fields count as zero. Versions that
// do not parse, such as "1.0.0.beta", are compared field by field with
// non-numeric fields ordered lexically after numeric ones. It returns -1, 0
// or 1.
func CompareVersions(a, b string) int {
	va, errA := goversion.NewVersion(strings.TrimSpace(a))
	vb, errB := goversion.NewVersion(strings.TrimSpace(b))
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}

	as := splitVersion(a)
	bs := splitVersion(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := compareField(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func splitVersion(v string) []string {
	v = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "v"), "V")
	if v == "" {
		return nil
	}
	return strings.Split(v, ".")
}

func compareField(x, y string) int {
	xn, xerr := strconv.ParseUint(x, 10, 64)
	yn, yerr := strconv.ParseUint(y, 10, 64)
	switch {
	case xerr == nil && yerr == nil:
		switch {
		case xn < yn:
			return -1
		case xn > yn:
			return 1
		}
		return 0
	case xerr == nil:
		// numeric fields sort before labels
		return -1
	case yerr == nil:
		return 1
	}
	return strings.Compare(x, y)
}
