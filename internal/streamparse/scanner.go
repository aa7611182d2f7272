package streamparse

// span is a half-open byte range of a complete JSON object in the buffer.
type span struct {
	start, end int
}

type frame struct {
	start    int
	hasChild bool
}

// scanner tracks brace nesting across chunks. Quotes only toggle string
// state inside an open object, so prose around JSON cannot desynchronize it.
// State is carried between calls, so feeding a buffer in pieces yields the
// same spans as feeding it whole.
type scanner struct {
	pos      int
	stack    []frame
	inString bool
	escaped  bool
}

// advance scans buf from the last position to the end and reports the
// objects closed along the way. leaves holds objects with no nested object;
// all holds every closed object.
func (s *scanner) advance(buf []byte) (leaves, all []span) {
	for ; s.pos < len(buf); s.pos++ {
		c := buf[s.pos]

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			if len(s.stack) > 0 {
				s.inString = true
			}
		case '{':
			if len(s.stack) > 0 {
				s.stack[len(s.stack)-1].hasChild = true
			}
			s.stack = append(s.stack, frame{start: s.pos})
		case '}':
			if len(s.stack) == 0 {
				continue
			}
			top := s.stack[len(s.stack)-1]
			s.stack = s.stack[:len(s.stack)-1]
			sp := span{start: top.start, end: s.pos + 1}
			all = append(all, sp)
			if !top.hasChild {
				leaves = append(leaves, sp)
			}
		}
	}
	return leaves, all
}

// open returns the start offsets of objects that are still unclosed,
// outermost first.
func (s *scanner) open() []int {
	starts := make([]int, len(s.stack))
	for i, f := range s.stack {
		starts[i] = f.start
	}
	return starts
}
