package segment

// Plan partitions totalSize bytes into at most maxConnections segments.
//
// Servers without range support, or bodies of unknown size, always get a
// single segment covering the whole body. Otherwise the segment count is
// min(maxConnections, ceil(totalSize/minSegmentSize)) so small files are not
// fragmented below minSegmentSize. The partition is as even as possible with
// the last segment absorbing the remainder, and is fully deterministic:
// a resumed job re-derives exactly the plan it persisted.
func Plan(totalSize int64, supportsRanges bool, maxConnections int, minSegmentSize int64) []*Segment {
	if !supportsRanges || totalSize <= 0 {
		end := int64(-1)
		if totalSize > 0 {
			end = totalSize - 1
		}
		return []*Segment{New(0, 0, end)}
	}

	if maxConnections < 1 {
		maxConnections = 1
	}
	if minSegmentSize < 1 {
		minSegmentSize = 1
	}

	count := int((totalSize + minSegmentSize - 1) / minSegmentSize)
	if count > maxConnections {
		count = maxConnections
	}
	if count < 1 {
		count = 1
	}

	size := totalSize / int64(count)
	segments := make([]*Segment, 0, count)

	var start int64
	for i := range count {
		end := start + size - 1
		if i == count-1 {
			end = totalSize - 1
		}

		segments = append(segments, New(i, start, end))
		start = end + 1
	}

	return segments
}
