package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Source feed column names after normalization. The raw layer stores these
// verbatim as TEXT regardless of content.
var SourceColumns = []string{
	"fecha_utc",
	"hora_utc",
	"magnitud",
	"latitud",
	"longitud",
	"profundidad",
	"referencia_localizacion",
	"fecha_local",
	"hora_local",
	"estatus",
}

// Magnitude categories, closed on the lower bound.
const (
	MagnitudeGreat    = "Great"    // magnitude >= 7.0
	MagnitudeMajor    = "Major"    // magnitude >= 6.0
	MagnitudeStrong   = "Strong"   // magnitude >= 5.0
	MagnitudeModerate = "Moderate" // everything below 5.0
)

// Depth categories.
const (
	DepthShallow      = "Shallow"      // depth < 70 km
	DepthIntermediate = "Intermediate" // depth < 300 km
	DepthDeep         = "Deep"         // depth >= 300 km
	DepthUnknown      = "Unknown"      // depth not reported
)

// RegionUnknown is the fallback when no place-name pattern matches.
const RegionUnknown = "Unknown"

// RawEarthquake is one ingested event exactly as received. All source
// fields are opaque text; id and loaded_at are assigned on insert.
type RawEarthquake struct {
	ID                     int64     `json:"id" db:"id"`
	FechaUTC               string    `json:"fecha_utc" db:"fecha_utc"`
	HoraUTC                string    `json:"hora_utc" db:"hora_utc"`
	Magnitud               string    `json:"magnitud" db:"magnitud"`
	Latitud                string    `json:"latitud" db:"latitud"`
	Longitud               string    `json:"longitud" db:"longitud"`
	Profundidad            string    `json:"profundidad" db:"profundidad"`
	ReferenciaLocalizacion string    `json:"referencia_localizacion" db:"referencia_localizacion"`
	FechaLocal             string    `json:"fecha_local" db:"fecha_local"`
	HoraLocal              string    `json:"hora_local" db:"hora_local"`
	Estatus                string    `json:"estatus" db:"estatus"`
	BatchID                string    `json:"batch_id" db:"batch_id"`
	LoadedAt               time.Time `json:"loaded_at" db:"loaded_at"`
}

// RawFromSource builds a RawEarthquake from a normalized source record
// without any coercion or validation.
func RawFromSource(rec map[string]string, batchID string) *RawEarthquake {
	return &RawEarthquake{
		FechaUTC:               rec["fecha_utc"],
		HoraUTC:                rec["hora_utc"],
		Magnitud:               rec["magnitud"],
		Latitud:                rec["latitud"],
		Longitud:               rec["longitud"],
		Profundidad:            rec["profundidad"],
		ReferenciaLocalizacion: rec["referencia_localizacion"],
		FechaLocal:             rec["fecha_local"],
		HoraLocal:              rec["hora_local"],
		Estatus:                rec["estatus"],
		BatchID:                batchID,
	}
}

// AnalyticsEarthquake is one typed, enriched event derived from exactly one
// RawEarthquake. Never mutated after creation; superseded only by an
// idempotent re-transform of its batch.
type AnalyticsEarthquake struct {
	ID                 int64     `json:"id" db:"id"`
	EarthquakeDate     time.Time `json:"earthquake_date" db:"earthquake_date"`
	EarthquakeDatetime time.Time `json:"earthquake_datetime" db:"earthquake_datetime"`
	Magnitude          float64   `json:"magnitude" db:"magnitude"`
	Latitude           float64   `json:"latitude" db:"latitude"`
	Longitude          float64   `json:"longitude" db:"longitude"`
	DepthKm            *float64  `json:"depth_km,omitempty" db:"depth_km"`
	LocationReference  string    `json:"location_reference" db:"location_reference"`
	Status             string    `json:"status" db:"status"`
	Year               int       `json:"year" db:"year"`
	Month              int       `json:"month" db:"month"`
	DayOfWeek          string    `json:"day_of_week" db:"day_of_week"`
	HourOfDay          int       `json:"hour_of_day" db:"hour_of_day"`
	MagnitudeCategory  string    `json:"magnitude_category" db:"magnitude_category"`
	DepthCategory      string    `json:"depth_category" db:"depth_category"`
	Region             string    `json:"region" db:"region"`
	IsSignificant      bool      `json:"is_significant" db:"is_significant"`
	BatchID            string    `json:"batch_id" db:"batch_id"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// ToAnalytics converts a raw record into its typed, enriched form.
// Records whose date/time or required numeric fields fail to parse are
// rejected with a *ParseError, never defaulted.
func (r *RawEarthquake) ToAnalytics() (*AnalyticsEarthquake, error) {
	dt, err := parseUTCDatetime(r.FechaUTC, r.HoraUTC)
	if err != nil {
		return nil, err
	}

	magnitude, err := parseDecimal("magnitud", r.Magnitud, 1, false)
	if err != nil {
		return nil, err
	}

	latitude, err := parseDecimal("latitud", r.Latitud, 5, true)
	if err != nil {
		return nil, err
	}

	longitude, err := parseDecimal("longitud", r.Longitud, 5, true)
	if err != nil {
		return nil, err
	}

	// Depth is optional in the source feed; a present but malformed value
	// still rejects the record.
	var depth *float64
	if strings.TrimSpace(r.Profundidad) != "" {
		d, err := parseDecimal("profundidad", r.Profundidad, 2, false)
		if err != nil {
			return nil, err
		}
		depth = &d
	}

	return &AnalyticsEarthquake{
		EarthquakeDate:     time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, time.UTC),
		EarthquakeDatetime: dt,
		Magnitude:          magnitude,
		Latitude:           latitude,
		Longitude:          longitude,
		DepthKm:            depth,
		LocationReference:  strings.TrimSpace(r.ReferenciaLocalizacion),
		Status:             strings.ToLower(strings.TrimSpace(r.Estatus)),
		Year:               dt.Year(),
		Month:              int(dt.Month()),
		DayOfWeek:          dt.Weekday().String(),
		HourOfDay:          dt.Hour(),
		MagnitudeCategory:  MagnitudeCategory(magnitude),
		DepthCategory:      DepthCategory(depth),
		Region:             DeriveRegion(r.ReferenciaLocalizacion),
		IsSignificant:      IsSignificant(magnitude, depth),
		BatchID:            r.BatchID,
	}, nil
}

// parseUTCDatetime combines fecha_utc (DD/MM/YYYY) and hora_utc (HH:MM:SS)
// into a UTC timestamp.
func parseUTCDatetime(fecha, hora string) (time.Time, error) {
	fecha = strings.TrimSpace(fecha)
	hora = strings.TrimSpace(hora)

	if _, err := time.Parse("02/01/2006", fecha); err != nil {
		return time.Time{}, &ParseError{
			Field:   "fecha_utc",
			Value:   fecha,
			Message: "invalid date, expected DD/MM/YYYY",
		}
	}

	dt, err := time.ParseInLocation("02/01/2006 15:04:05", fecha+" "+hora, time.UTC)
	if err != nil {
		return time.Time{}, &ParseError{
			Field:   "hora_utc",
			Value:   hora,
			Message: "invalid time, expected HH:MM:SS",
		}
	}

	return dt, nil
}

// parseDecimal parses a source text field as a decimal rounded to the given
// number of fractional digits. The source feed uses free text such as
// "no calculable" or "en revision" for unavailable values; those reject the
// record at the caller's discretion.
func parseDecimal(field, value string, digits int, allowNegative bool) (float64, error) {
	trimmed := strings.TrimSpace(value)

	if !isPlainDecimal(trimmed, allowNegative) {
		return 0, &ParseError{
			Field:   field,
			Value:   trimmed,
			Message: "not a numeric value",
		}
	}

	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, &ParseError{
			Field:   field,
			Value:   trimmed,
			Message: "not a numeric value",
		}
	}

	return roundTo(v, digits), nil
}

// isPlainDecimal reports whether s is digits with at most one decimal point,
// optionally negated. strconv.ParseFloat also accepts NaN, infinities,
// exponent and hex forms; in this feed those spellings are noise, not
// measurements, and must reject the record.
func isPlainDecimal(s string, allowNegative bool) bool {
	if allowNegative {
		s = strings.TrimPrefix(s, "-")
	}
	if s == "" || s[0] == '.' {
		return false
	}

	dot := false
	for _, r := range s {
		if r == '.' {
			if dot {
				return false
			}
			dot = true
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

func roundTo(v float64, digits int) float64 {
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}

// MagnitudeCategory classifies a magnitude with inclusive lower bounds.
func MagnitudeCategory(magnitude float64) string {
	switch {
	case magnitude >= 7.0:
		return MagnitudeGreat
	case magnitude >= 6.0:
		return MagnitudeMajor
	case magnitude >= 5.0:
		return MagnitudeStrong
	default:
		return MagnitudeModerate
	}
}

// DepthCategory classifies a hypocenter depth in kilometers.
func DepthCategory(depthKm *float64) string {
	if depthKm == nil {
		return DepthUnknown
	}
	switch {
	case *depthKm < 70:
		return DepthShallow
	case *depthKm < 300:
		return DepthIntermediate
	default:
		return DepthDeep
	}
}

// IsSignificant reports whether an event correlates with surface impact.
// Disjunction: either a magnitude of at least 5.0 or a hypocenter shallower
// than 50 km qualifies on its own.
func IsSignificant(magnitude float64, depthKm *float64) bool {
	if magnitude >= 5.0 {
		return true
	}
	return depthKm != nil && *depthKm < 50
}

// regionPatterns maps known place-name substrings to region names. Matching
// is performed on the accent-stripped, uppercased location reference; the
// longest matching pattern wins, which keeps abbreviations like "VER" from
// shadowing full names.
var regionPatterns = []struct {
	Region   string
	Patterns []string
}{
	{"Michoacán", []string{"MICHOACAN", "MICH"}},
	{"Oaxaca", []string{"OAXACA", "OAX"}},
	{"Guerrero", []string{"GUERRERO", "GRO"}},
	{"Chiapas", []string{"CHIAPAS", "CHIS"}},
	{"CDMX", []string{"CIUDAD DE MEXICO", "CDMX"}},
	{"Puebla", []string{"PUEBLA", "PUE"}},
	{"Veracruz", []string{"VERACRUZ", "VER"}},
	{"Jalisco", []string{"JALISCO", "JAL"}},
	{"Colima", []string{"COLIMA", "COL"}},
	{"Baja California", []string{"BAJA CALIFORNIA", "BCS", "BC"}},
	{"Sonora", []string{"SONORA", "SON"}},
	{"Sinaloa", []string{"SINALOA", "SIN"}},
	{"Nayarit", []string{"NAYARIT", "NAY"}},
}

// DeriveRegion extracts a region from a free-text location reference by
// longest-matching known place-name substring. No match yields
// RegionUnknown rather than rejecting the record.
func DeriveRegion(locationReference string) string {
	haystack := strings.ToUpper(StripAccents(strings.TrimSpace(locationReference)))
	if haystack == "" {
		return RegionUnknown
	}

	best := RegionUnknown
	bestLen := 0
	for _, rp := range regionPatterns {
		for _, pattern := range rp.Patterns {
			if len(pattern) > bestLen && strings.Contains(haystack, pattern) {
				best = rp.Region
				bestLen = len(pattern)
			}
		}
	}

	return best
}

// EarthquakeStatistics is one aggregate snapshot over the full analytics
// population. Immutable once created; a new run appends a new row.
type EarthquakeStatistics struct {
	ID                  int64          `json:"id" db:"id"`
	CalculationDate     time.Time      `json:"calculation_date" db:"calculation_date"`
	TotalEarthquakes    int64          `json:"total_earthquakes" db:"total_earthquakes"`
	AvgMagnitude        *float64       `json:"avg_magnitude,omitempty" db:"avg_magnitude"`
	MaxMagnitude        *float64       `json:"max_magnitude,omitempty" db:"max_magnitude"`
	MinMagnitude        *float64       `json:"min_magnitude,omitempty" db:"min_magnitude"`
	AvgDepth            *float64       `json:"avg_depth,omitempty" db:"avg_depth"`
	SignificantCount    int64          `json:"significant_count" db:"significant_count"`
	ByMagnitudeCategory CategoryCounts `json:"by_magnitude_category" db:"by_magnitude_category"`
	ByRegion            CategoryCounts `json:"by_region" db:"by_region"`
	ByMonth             CategoryCounts `json:"by_month" db:"by_month"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
}

// CategoryCounts is a dimension→count mapping persisted as JSONB.
type CategoryCounts map[string]int

// Value implements driver.Valuer for JSONB storage.
func (c CategoryCounts) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for JSONB retrieval.
func (c *CategoryCounts) Scan(src interface{}) error {
	if src == nil {
		*c = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into CategoryCounts", src)
	}

	return json.Unmarshal(data, c)
}

// RejectedRecord describes a raw row excluded during transformation.
type RejectedRecord struct {
	RawID  int64  `json:"raw_id"`
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// ParseError represents a row-level parse failure during transformation.
// Row-level failures exclude the offending row but never fail the batch.
type ParseError struct {
	Field   string
	Value   string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s (value %q)", e.Field, e.Message, e.Value)
}

// IsTransient returns false: a malformed row stays malformed on retry.
func (e *ParseError) IsTransient() bool {
	return false
}
