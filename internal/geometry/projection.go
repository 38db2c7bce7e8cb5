package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/large-image/server/internal/apperr"
)

const (
	wgs84A  = 6378137.0
	wgs84Rf = 298.257223563
	grs80Rf = 298.257222101
)

type projKind int

const (
	projLongLat projKind = iota
	projMercator
	projTransverseMercator
)

// Projection is a parsed coordinate reference system. Only the families the
// server needs are supported: geographic longitude/latitude, Mercator
// (spherical and ellipsoidal) and Transverse Mercator including UTM.
type Projection struct {
	kind   projKind
	def    string
	a      float64
	es     float64
	e      float64
	lon0   float64
	lat0   float64
	k0     float64
	x0     float64
	y0     float64
	sphere bool
}

// WGS84 is the geographic EPSG:4326 projection.
var WGS84 = mustParse("EPSG:4326")

// WebMercator is the spherical EPSG:3857 projection.
var WebMercator = mustParse("EPSG:3857")

func mustParse(s string) *Projection {
	p, err := ParseProjection(s)
	if err != nil {
		panic(err)
	}
	return p
}

// UnitAliases maps shorthand unit names to projection strings.
var UnitAliases = map[string]string{
	"wgs84": "proj4:EPSG:4326",
	"4326":  "proj4:EPSG:4326",
}

// IsProjectionString reports whether s names an external projection rather
// than one of the pixel-based unit systems.
func IsProjectionString(s string) bool {
	l := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := UnitAliases[l]; ok {
		l = strings.ToLower(alias)
	}
	return strings.HasPrefix(l, "proj4:") || strings.HasPrefix(l, "epsg:") ||
		strings.HasPrefix(l, "+proj=") || strings.HasPrefix(l, "+init=")
}

// ParseProjection parses an EPSG code ("EPSG:3857", "+init=epsg:3857") or a
// proj4 string ("+proj=merc ..."). A "proj4:" prefix is ignored.
func ParseProjection(s string) (*Projection, error) {
	def := strings.TrimSpace(s)
	if alias, ok := UnitAliases[strings.ToLower(def)]; ok {
		def = alias
	}
	body := def
	if strings.HasPrefix(strings.ToLower(body), "proj4:") {
		body = strings.TrimSpace(body[len("proj4:"):])
	}
	if body == "" {
		return nil, apperr.New(apperr.InvalidArgument, "empty projection")
	}
	lower := strings.ToLower(body)
	if strings.HasPrefix(lower, "epsg:") {
		return fromEPSG(body, lower[len("epsg:"):])
	}
	params := parseProj4(body)
	if init, ok := params["init"]; ok {
		init = strings.ToLower(init)
		if !strings.HasPrefix(init, "epsg:") {
			return nil, apperr.New(apperr.InvalidArgument, "unsupported projection init %q", init)
		}
		return fromEPSG(body, init[len("epsg:"):])
	}
	name, ok := params["proj"]
	if !ok {
		return nil, apperr.New(apperr.InvalidArgument, "cannot parse projection %q", s)
	}
	p := &Projection{def: body, k0: 1}
	if err := p.setEllipsoid(params); err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case "longlat", "latlong", "lonlat", "latlon":
		p.kind = projLongLat
	case "merc":
		p.kind = projMercator
		if err := p.setCommon(params); err != nil {
			return nil, err
		}
		if v, ok := params["lat_ts"]; ok {
			latTS, err := parseFloat(v, "lat_ts")
			if err != nil {
				return nil, err
			}
			phi := latTS * math.Pi / 180
			p.k0 = math.Cos(phi) / math.Sqrt(1-p.es*math.Sin(phi)*math.Sin(phi))
		}
	case "webmerc":
		p.kind = projMercator
		p.a, p.es, p.e, p.sphere = wgs84A, 0, 0, true
	case "tmerc":
		p.kind = projTransverseMercator
		if err := p.setCommon(params); err != nil {
			return nil, err
		}
	case "utm":
		p.kind = projTransverseMercator
		zone, err := strconv.Atoi(params["zone"])
		if err != nil || zone < 1 || zone > 60 {
			return nil, apperr.New(apperr.InvalidArgument, "invalid utm zone %q", params["zone"])
		}
		_, south := params["south"]
		p.setUTM(zone, south)
	default:
		return nil, apperr.New(apperr.InvalidArgument, "unsupported projection %q", name)
	}
	return p, nil
}

func fromEPSG(def, code string) (*Projection, error) {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return nil, apperr.New(apperr.InvalidArgument, "invalid EPSG code %q", code)
	}
	p := &Projection{def: "EPSG:" + strconv.Itoa(n), k0: 1}
	p.setFlattening(wgs84A, wgs84Rf)
	switch {
	case n == 4326:
		p.kind = projLongLat
	case n == 4269:
		p.kind = projLongLat
		p.setFlattening(wgs84A, grs80Rf)
	case n == 3857 || n == 900913 || n == 3785 || n == 102100:
		p.kind = projMercator
		p.a, p.es, p.e, p.sphere = wgs84A, 0, 0, true
	case n == 3395:
		p.kind = projMercator
	case n >= 32601 && n <= 32660:
		p.kind = projTransverseMercator
		p.setUTM(n-32600, false)
	case n >= 32701 && n <= 32760:
		p.kind = projTransverseMercator
		p.setUTM(n-32700, true)
	default:
		return nil, apperr.New(apperr.InvalidArgument, "unsupported EPSG code %d", n)
	}
	return p, nil
}

func parseProj4(s string) map[string]string {
	params := make(map[string]string)
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimPrefix(tok, "+")
		if tok == "" {
			continue
		}
		k, v, _ := strings.Cut(tok, "=")
		params[strings.ToLower(k)] = v
	}
	return params
}

func parseFloat(v, name string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.New(apperr.InvalidArgument, "invalid projection parameter %s=%q", name, v)
	}
	return f, nil
}

func (p *Projection) setFlattening(a, rf float64) {
	f := 1 / rf
	p.a = a
	p.es = 2*f - f*f
	p.e = math.Sqrt(p.es)
	p.sphere = false
}

func (p *Projection) setEllipsoid(params map[string]string) error {
	p.setFlattening(wgs84A, wgs84Rf)
	switch strings.ToLower(params["ellps"]) {
	case "", "wgs84":
	case "grs80":
		p.setFlattening(wgs84A, grs80Rf)
	case "sphere":
		p.a, p.es, p.e, p.sphere = 6370997, 0, 0, true
	default:
		return apperr.New(apperr.InvalidArgument, "unsupported ellipsoid %q", params["ellps"])
	}
	if v, ok := params["r"]; ok {
		r, err := parseFloat(v, "R")
		if err != nil {
			return err
		}
		p.a, p.es, p.e, p.sphere = r, 0, 0, true
	}
	if v, ok := params["a"]; ok {
		a, err := parseFloat(v, "a")
		if err != nil {
			return err
		}
		b := a
		if bv, ok := params["b"]; ok {
			if b, err = parseFloat(bv, "b"); err != nil {
				return err
			}
		} else if rfv, ok := params["rf"]; ok {
			rf, err := parseFloat(rfv, "rf")
			if err != nil {
				return err
			}
			b = a * (1 - 1/rf)
		}
		p.a = a
		p.es = 1 - (b*b)/(a*a)
		p.e = math.Sqrt(p.es)
		p.sphere = p.es == 0
	}
	return nil
}

func (p *Projection) setCommon(params map[string]string) error {
	for key, dst := range map[string]*float64{"lon_0": &p.lon0, "lat_0": &p.lat0, "x_0": &p.x0, "y_0": &p.y0} {
		if v, ok := params[key]; ok {
			f, err := parseFloat(v, key)
			if err != nil {
				return err
			}
			*dst = f
		}
	}
	p.lon0 *= math.Pi / 180
	p.lat0 *= math.Pi / 180
	for _, key := range []string{"k", "k_0"} {
		if v, ok := params[key]; ok {
			f, err := parseFloat(v, key)
			if err != nil {
				return err
			}
			p.k0 = f
		}
	}
	return nil
}

func (p *Projection) setUTM(zone int, south bool) {
	p.k0 = 0.9996
	p.lon0 = (float64(zone-1)*6 - 180 + 3) * math.Pi / 180
	p.x0 = 500000
	if south {
		p.y0 = 10000000
	}
	if p.def == "" {
		p.def = fmt.Sprintf("+proj=utm +zone=%d", zone)
	}
}

// String returns the definition the projection was parsed from.
func (p *Projection) String() string { return p.def }

// IsLatLong reports whether the projection is geographic.
func (p *Projection) IsLatLong() bool { return p.kind == projLongLat }

// SupportsPoles reports whether latitudes of +/-90 can be projected.
func (p *Projection) SupportsPoles() bool { return p.kind != projMercator }

// Equal reports whether p and q describe the same system.
func (p *Projection) Equal(q *Projection) bool {
	if p == nil || q == nil {
		return p == q
	}
	return p.kind == q.kind && p.a == q.a && p.es == q.es && p.lon0 == q.lon0 &&
		p.lat0 == q.lat0 && p.k0 == q.k0 && p.x0 == q.x0 && p.y0 == q.y0
}

// Forward converts geographic degrees to projected coordinates.
func (p *Projection) Forward(lon, lat float64) (float64, float64, error) {
	switch p.kind {
	case projLongLat:
		return lon, lat, nil
	case projMercator:
		return p.mercForward(lon*math.Pi/180, lat*math.Pi/180)
	default:
		return p.tmercForward(lon*math.Pi/180, lat*math.Pi/180)
	}
}

// Inverse converts projected coordinates to geographic degrees.
func (p *Projection) Inverse(x, y float64) (float64, float64, error) {
	var lam, phi float64
	var err error
	switch p.kind {
	case projLongLat:
		return x, y, nil
	case projMercator:
		lam, phi = p.mercInverse(x, y)
	default:
		lam, phi, err = p.tmercInverse(x, y)
		if err != nil {
			return 0, 0, err
		}
	}
	return lam * 180 / math.Pi, phi * 180 / math.Pi, nil
}

// Transform converts (x, y) from one projection to another.
func Transform(from, to *Projection, x, y float64) (float64, float64, error) {
	if from.Equal(to) {
		return x, y, nil
	}
	lon, lat, err := from.Inverse(x, y)
	if err != nil {
		return 0, 0, err
	}
	return to.Forward(lon, lat)
}

func (p *Projection) mercForward(lam, phi float64) (float64, float64, error) {
	if math.Abs(math.Abs(phi)-math.Pi/2) < 1e-12 {
		return 0, 0, apperr.New(apperr.OutOfRange, "latitude %g cannot be projected to mercator", phi*180/math.Pi)
	}
	x := p.k0*p.a*(lam-p.lon0) + p.x0
	if p.sphere {
		return x, p.k0*p.a*math.Log(math.Tan(math.Pi/4+phi/2)) + p.y0, nil
	}
	es := p.e * math.Sin(phi)
	y := p.k0*p.a*math.Log(math.Tan(math.Pi/4+phi/2)*math.Pow((1-es)/(1+es), p.e/2)) + p.y0
	return x, y, nil
}

func (p *Projection) mercInverse(x, y float64) (float64, float64) {
	lam := (x-p.x0)/(p.k0*p.a) + p.lon0
	t := math.Exp(-(y - p.y0) / (p.k0 * p.a))
	phi := math.Pi/2 - 2*math.Atan(t)
	if p.sphere {
		return lam, phi
	}
	for i := 0; i < 15; i++ {
		es := p.e * math.Sin(phi)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-es)/(1+es), p.e/2))
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return lam, phi
}

func (p *Projection) meridianArc(phi float64) float64 {
	e2 := p.es
	e4 := e2 * e2
	e6 := e4 * e2
	return p.a * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

func (p *Projection) tmercForward(lam, phi float64) (float64, float64, error) {
	dlam := math.Remainder(lam-p.lon0, 2*math.Pi)
	if math.Abs(dlam) > math.Pi/2 {
		return 0, 0, apperr.New(apperr.OutOfRange, "longitude is outside the transverse mercator domain")
	}
	ep2 := p.es / (1 - p.es)
	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	n := p.a / math.Sqrt(1-p.es*sinPhi*sinPhi)
	t := math.Tan(phi) * math.Tan(phi)
	c := ep2 * cosPhi * cosPhi
	a := dlam * cosPhi
	m := p.meridianArc(phi)
	m0 := p.meridianArc(p.lat0)
	x := p.k0 * n * (a + (1-t+c)*math.Pow(a, 3)/6 +
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120)
	y := p.k0 * (m - m0 + n*math.Tan(phi)*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	return x + p.x0, y + p.y0, nil
}

func (p *Projection) tmercInverse(x, y float64) (float64, float64, error) {
	e2 := p.es
	ep2 := e2 / (1 - e2)
	m := p.meridianArc(p.lat0) + (y-p.y0)/p.k0
	mu := m / (p.a * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
	phi1 := mu + (3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)
	sin1, cos1 := math.Sin(phi1), math.Cos(phi1)
	if math.Abs(cos1) < 1e-12 {
		return p.lon0, math.Copysign(math.Pi/2, phi1), nil
	}
	c1 := ep2 * cos1 * cos1
	t1 := math.Tan(phi1) * math.Tan(phi1)
	n1 := p.a / math.Sqrt(1-e2*sin1*sin1)
	r1 := p.a * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := (x - p.x0) / (n1 * p.k0)
	phi := phi1 - (n1*math.Tan(phi1)/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lam := p.lon0 + (d-(1+2*t1+c1)*math.Pow(d, 3)/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120)/cos1
	if math.IsNaN(phi) || math.IsNaN(lam) {
		return 0, 0, apperr.New(apperr.OutOfRange, "coordinate (%g, %g) cannot be unprojected", x, y)
	}
	return lam, phi, nil
}
