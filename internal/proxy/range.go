package proxy

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// errBadRange 表示 Range 头在已知总长下不可满足。
var errBadRange = errors.New("Range not satisfiable")

// byteRange 是闭区间 [Start, End]。
type byteRange struct {
	Start int64
	End   int64
}

// Length 返回区间覆盖的字节数。
func (r byteRange) Length() int64 {
	return r.End - r.Start + 1
}

// parseRange 解析 `bytes=start-[end]` 形式的 Range 头。
// 返回值约定：header 为空或不是 bytes 单位时 ok=false（按整对象响应）；
// 语法合法但在 total 下不可满足时返回 errBadRange。
func parseRange(header string, total int64) (byteRange, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return byteRange{}, false, nil
	}
	value, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return byteRange{}, false, nil
	}

	dash := strings.IndexByte(value, '-')
	if dash < 0 || strings.Contains(value, ",") {
		return byteRange{}, true, errBadRange
	}

	startRaw := strings.TrimSpace(value[:dash])
	endRaw := strings.TrimSpace(value[dash+1:])
	if startRaw == "" {
		return byteRange{}, true, errBadRange
	}

	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 || start >= total {
		return byteRange{}, true, errBadRange
	}

	end := total - 1
	if endRaw != "" {
		end, err = strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end >= total {
			return byteRange{}, true, errBadRange
		}
	}
	if start > end {
		return byteRange{}, true, errBadRange
	}

	return byteRange{Start: start, End: end}, true, nil
}
