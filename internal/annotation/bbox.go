package annotation

import (
	"encoding/json"
	"math"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/store"
)

// Element is one annotation shape. Its payload is opaque to the store
// except for the geometry keys read by BoundingBox.
type Element map[string]interface{}

// pointExtent is the half size given to bare points so their box is not
// degenerate.
const pointExtent = 0.5

// BoundingBox computes the axis aligned box, diagonal size and detail
// weight of an element.
func BoundingBox(el Element) (store.BBox, error) {
	var b store.BBox
	if raw, ok := el["points"]; ok {
		points, ok := raw.([]interface{})
		if !ok || len(points) == 0 {
			return b, apperr.New(apperr.InvalidArgument, "element points must be a non-empty list")
		}
		for i, p := range points {
			v, err := coords(p)
			if err != nil {
				return b, apperr.Wrap(apperr.InvalidArgument, err, "invalid point %d", i)
			}
			if i == 0 {
				b.LowX, b.LowY, b.LowZ = v[0], v[1], v[2]
				b.HighX, b.HighY, b.HighZ = v[0], v[1], v[2]
				continue
			}
			b.LowX, b.HighX = math.Min(b.LowX, v[0]), math.Max(b.HighX, v[0])
			b.LowY, b.HighY = math.Min(b.LowY, v[1]), math.Max(b.HighY, v[1])
			b.LowZ, b.HighZ = math.Min(b.LowZ, v[2]), math.Max(b.HighZ, v[2])
		}
		b.Details = len(points)
	} else {
		raw, ok := el["center"]
		if !ok {
			return b, apperr.New(apperr.InvalidArgument, "element has neither points nor center")
		}
		c, err := coords(raw)
		if err != nil {
			return b, apperr.Wrap(apperr.InvalidArgument, err, "invalid center")
		}
		b.LowZ, b.HighZ = c[2], c[2]
		var w, h float64
		switch {
		case el["width"] != nil:
			width, ok1 := number(el["width"])
			height, ok2 := number(el["height"])
			if !ok1 || !ok2 {
				return b, apperr.New(apperr.InvalidArgument, "rectangle needs numeric width and height")
			}
			w, h = width*0.5, height*0.5
			if rot, ok := number(el["rotation"]); ok && rot != 0 {
				absin, abcos := math.Abs(math.Sin(rot)), math.Abs(math.Cos(rot))
				w, h = math.Max(abcos*w, absin*h), math.Max(absin*w, abcos*h)
			}
			b.Details = 4
		case el["radius"] != nil:
			r, ok := number(el["radius"])
			if !ok {
				return b, apperr.New(apperr.InvalidArgument, "circle needs a numeric radius")
			}
			w, h = r, r
			b.Details = 4
		default:
			w, h = pointExtent, pointExtent
			b.Details = 1
		}
		b.LowX, b.HighX = c[0]-w, c[0]+w
		b.LowY, b.HighY = c[1]-h, c[1]+h
	}
	b.Size = math.Hypot(b.HighX-b.LowX, b.HighY-b.LowY)
	return b, nil
}

// coords reads an [x, y] or [x, y, z] list.
func coords(v interface{}) ([3]float64, error) {
	var out [3]float64
	list, ok := v.([]interface{})
	if !ok || len(list) < 2 {
		return out, apperr.New(apperr.InvalidArgument, "expected a list of 2 or 3 coordinates")
	}
	for i := 0; i < len(list) && i < 3; i++ {
		f, ok := number(list[i])
		if !ok {
			return out, apperr.New(apperr.InvalidArgument, "coordinate %d is not a number", i)
		}
		out[i] = f
	}
	return out, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
