package geo

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed shelters.yaml
var sheltersYAML []byte

// Shelter is an entry in the built-in catalog of emergency shelters and
// mountain cabins.
type Shelter struct {
	Name string  `yaml:"name"`
	Kind string  `yaml:"kind"` // shelter or cabin
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// ShelterHit is a shelter annotated with its distance from a query point.
type ShelterHit struct {
	Shelter
	DistanceKm float64
}

var (
	sheltersOnce sync.Once
	shelters     []Shelter
	sheltersErr  error
)

func loadShelters() ([]Shelter, error) {
	sheltersOnce.Do(func() {
		sheltersErr = yaml.Unmarshal(sheltersYAML, &shelters)
		if sheltersErr != nil {
			sheltersErr = fmt.Errorf("parse shelter catalog: %w", sheltersErr)
		}
	})
	return shelters, sheltersErr
}

// NearestShelters returns the n catalog entries closest to the coordinate,
// nearest first.
func NearestShelters(lat, lon float64, n int) ([]ShelterHit, error) {
	catalog, err := loadShelters()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}

	hits := make([]ShelterHit, 0, len(catalog))
	for _, s := range catalog {
		hits = append(hits, ShelterHit{
			Shelter:    s,
			DistanceKm: haversineKm(lat, lon, s.Lat, s.Lon),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })

	if len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
