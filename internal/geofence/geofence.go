// Package geofence decides whether a capture position falls inside one of a
// department's punch locations.
package geofence

import (
	"fmt"
	"math"
	"strconv"

	"github.com/akattendance/punchsync/internal/punch"
)

// EarthRadius is the mean Earth radius in meters used by Distance.
const EarthRadius = 6371000.0

// tolerance absorbs float error at the circle boundary, in meters.
const tolerance = 1e-6

// Match is the location a capture was accepted at.
type Match struct {
	Location punch.Location
	Distance float64 // meters from the location center
}

// Distance returns the great-circle distance in meters between two points
// given in decimal degrees (haversine, atan2 form).
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadius * c
}

// Resolve picks the location a capture at (lat, lng) belongs to.
//
// Only active locations of departmentID are considered; if there are none
// the result is NO_LOCATIONS_CONFIGURED. A location is a candidate when the
// distance to its center is at most its radius. The nearest candidate wins
// and equally distant candidates keep the first in locations order. With no
// candidate the result is OUTSIDE_GEOFENCE, carrying the nearest distance.
func Resolve(lat, lng float64, departmentID string, locations []punch.Location) (Match, error) {
	var (
		best      Match
		found     bool
		nearest   = math.Inf(1)
		nearestID string
		active    int
	)

	for _, loc := range locations {
		if loc.DepartmentID != departmentID || !loc.Active() {
			continue
		}
		active++

		d := Distance(lat, lng, loc.Latitude, loc.Longitude)
		if d < nearest {
			nearest = d
			nearestID = loc.ID
		}
		if d > loc.Radius+tolerance {
			continue
		}
		if !found || d < best.Distance {
			best = Match{Location: loc, Distance: d}
			found = true
		}
	}

	if active == 0 {
		return Match{}, punch.Reject(punch.ErrCodeNoLocations, "",
			fmt.Sprintf("no active punch locations for department %s", departmentID),
			map[string]string{"department_id": departmentID})
	}
	if !found {
		return Match{}, punch.Reject(punch.ErrCodeOutsideGeofence, "",
			fmt.Sprintf("outside all punch locations, nearest is %.0f m away", nearest),
			map[string]string{
				"nearest_location_id": nearestID,
				"nearest_distance_m":  strconv.FormatFloat(nearest, 'f', 1, 64),
			})
	}
	return best, nil
}
