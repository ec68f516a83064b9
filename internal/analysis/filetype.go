package analysis

import (
	"github.com/h2non/filetype"
)

// 文件类型库建议的最佳头部长度
const headLen = 262

// Result 检测结果
type Result struct {
	Kind string // 扩展名，未知时为 "unknown"
	MIME string
}

// Sniff 根据写入数据的开头判断内容类型。块写入大多是文件中间的数据，
// 只有恰好写到文件开头时才能识别出来。
func Sniff(payload []byte) Result {
	head := payload
	if len(head) > headLen {
		head = head[:headLen]
	}
	if isZero(head) {
		return Result{Kind: "zero"}
	}
	kind, _ := filetype.Match(head)
	if kind == filetype.Unknown {
		return Result{Kind: "unknown"}
	}
	return Result{Kind: kind.Extension, MIME: kind.MIME.Value}
}

func isZero(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
