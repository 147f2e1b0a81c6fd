// Package geo derives a coarse continental region from a latitude/
// longitude pair by point-in-box lookup, used by the registry to enforce
// regional diversity when selecting circuit hops. Grounded on the
// teacher's operator-declared region normalization
// (internal/app/client.go's normalizeRegion/preferredExitRegion), but
// reworked from a free-form string into a derived point-in-box lookup
// since the spec's location field is raw coordinates, not an operator tag.
package geo

// Region is one of six continental buckets, or Unknown when no box
// matches or no location was supplied.
type Region string

const (
	RegionNorthAmerica Region = "NA"
	RegionEurope       Region = "EU"
	RegionAsia         Region = "AS"
	RegionSouthAmerica Region = "SA"
	RegionAfrica       Region = "AF"
	RegionOceania      Region = "OC"
	RegionUnknown      Region = "Unknown"
)

// box is a fixed rectangular latitude/longitude bound. Boxes are
// deliberately coarse and may not cover every point on Earth; anything
// falling outside all six resolves to Unknown, per spec 4.3 step 3.
type box struct {
	region                         Region
	minLat, maxLat, minLon, maxLon float64
}

var boxes = []box{
	{RegionNorthAmerica, 7.0, 83.0, -168.0, -52.0},
	{RegionSouthAmerica, -56.0, 13.0, -82.0, -34.0},
	{RegionEurope, 35.0, 71.0, -25.0, 40.0},
	{RegionAfrica, -35.0, 38.0, -18.0, 52.0},
	{RegionAsia, -11.0, 77.0, 40.0, 180.0},
	{RegionOceania, -50.0, 0.0, 110.0, 180.0},
}

// Location is the minimal coordinate pair region lookup needs; accuracy
// is carried on the wire type but does not affect the lookup.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Lookup resolves loc to a fixed continental region by point-in-box
// membership. A nil loc, or a point matching no box, resolves to Unknown.
// Several boxes overlap over whole areas (North/South America, Europe/
// Africa, Africa/Asia, Asia/Oceania); a point inside more than one box
// resolves to the first match in declaration order.
func Lookup(loc *Location) Region {
	if loc == nil {
		return RegionUnknown
	}
	for _, b := range boxes {
		if loc.Latitude >= b.minLat && loc.Latitude <= b.maxLat &&
			loc.Longitude >= b.minLon && loc.Longitude <= b.maxLon {
			return b.region
		}
	}
	return RegionUnknown
}
