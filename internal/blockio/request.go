package blockio

type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Segment 写请求中的一段内存，只能在 Map/release 之间访问
type Segment interface {
	Len() int
	// Map 返回段数据的临时视图，release 之后视图失效
	Map() (view []byte, release func(), err error)
}

// Borrow 在 fn 执行期间借出段数据，任何返回路径上都会释放
func Borrow(seg Segment, fn func(view []byte) error) error {
	view, release, err := seg.Map()
	if err != nil {
		return err
	}
	defer release()
	return fn(view)
}

// PageSegment 页内的一段数据
type PageSegment struct {
	Page   []byte
	Offset int
	Length int
}

func (s PageSegment) Len() int { return s.Length }

func (s PageSegment) Map() ([]byte, func(), error) {
	return s.Page[s.Offset : s.Offset+s.Length], func() {}, nil
}

// SplitPages 把连续数据切成 pageSize 大小的段，最后一段可能更短
func SplitPages(data []byte, pageSize int) []Segment {
	if pageSize <= 0 {
		pageSize = len(data)
	}
	var segs []Segment
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		segs = append(segs, PageSegment{Page: data, Offset: off, Length: end - off})
	}
	return segs
}

// Request 一次块 I/O 请求
type Request struct {
	Device   DeviceID
	Op       Op
	Sector   uint64
	Segments []Segment
}

func (r *Request) IsWrite() bool { return r.Op == OpWrite }

// Size 所有段的字节总数
func (r *Request) Size() int {
	total := 0
	for _, seg := range r.Segments {
		total += seg.Len()
	}
	return total
}

func (r *Request) HasData() bool { return r.Size() > 0 }
