package geometry

import "math"

const wgs84B = wgs84A * (1 - 1/wgs84Rf)

// GeodesicDistance returns the distance in meters between two lon/lat points
// on the WGS84 ellipsoid. Vincenty's inverse formula is used; when it fails to
// converge (nearly antipodal points) a spherical haversine estimate is
// returned instead.
func GeodesicDistance(p1, p2 Point) float64 {
	if p1 == p2 {
		return 0
	}
	f := 1 / wgs84Rf
	rad := math.Pi / 180
	l := (p2.X - p1.X) * rad
	u1 := math.Atan((1 - f) * math.Tan(p1.Y*rad))
	u2 := math.Atan((1 - f) * math.Tan(p2.Y*rad))
	sinU1, cosU1 := math.Sincos(u1)
	sinU2, cosU2 := math.Sincos(u2)

	lambda := l
	var sinSigma, cosSigma, sigma, cos2Alpha, cos2SigmaM float64
	converged := false
	for i := 0; i < 200; i++ {
		sinLambda, cosLambda := math.Sincos(lambda)
		sinSigma = math.Hypot(cosU2*sinLambda, cosU1*sinU2-sinU1*cosU2*cosLambda)
		if sinSigma == 0 {
			return 0
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cos2Alpha = 1 - sinAlpha*sinAlpha
		cos2SigmaM = 0
		if cos2Alpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cos2Alpha
		}
		c := f / 16 * cos2Alpha * (4 + f*(4-3*cos2Alpha))
		prev := lambda
		lambda = l + (1-c)*f*sinAlpha*(sigma+c*sinSigma*(cos2SigmaM+c*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) < 1e-12 {
			converged = true
			break
		}
	}
	if !converged {
		return haversine(p1, p2)
	}
	uSq := cos2Alpha * (wgs84A*wgs84A - wgs84B*wgs84B) / (wgs84B * wgs84B)
	a := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	b := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := b * sinSigma * (cos2SigmaM + b/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		b/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
	return wgs84B * a * (sigma - deltaSigma)
}

func haversine(p1, p2 Point) float64 {
	const r = 6371008.8
	rad := math.Pi / 180
	dLat := (p2.Y - p1.Y) * rad
	dLon := (p2.X - p1.X) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(p1.Y*rad)*math.Cos(p2.Y*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * r * math.Asin(math.Min(1, math.Sqrt(h)))
}
