package nmea

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

func field(f []string, i int) string {
	if i < 0 || i >= len(f) {
		return ""
	}
	return strings.TrimSpace(f[i])
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func optFloat(s string) *float64 {
	v, ok := parseFloat(s)
	if !ok {
		return nil
	}
	return &v
}

func parseInt(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

// formatLatLon is the inverse of parseLatLon. degDigits is 2 for latitude, 3 for longitude.
func formatLatLon(v float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	mins := math.Round((v-deg)*60*1e5) / 1e5
	if mins >= 60 {
		deg++
		mins -= 60
	}
	return fmt.Sprintf("%0*d%08.5f", degDigits, int(deg), mins), hemi
}

// fitNames shortens the fields at idx, longest first, until a line carrying fields fits
// MaxLength. Other fields are left untouched.
func fitNames(fields []string, idx ...int) []string {
	// sync byte, address and checksum suffix
	over := 1 + 5 + 3 - MaxLength
	for _, f := range fields {
		over += 1 + len(f)
	}
	for ; over > 0; over-- {
		longest := -1
		for _, i := range idx {
			if fields[i] != "" && (longest < 0 || len(fields[i]) > len(fields[longest])) {
				longest = i
			}
		}
		if longest < 0 {
			break
		}
		fields[longest] = fields[longest][:len(fields[longest])-1]
	}
	return fields
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatOpt(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v, prec)
}

// parseTimeOfDay parses hhmmss[.sss] onto the date of day.
func parseTimeOfDay(s string, day time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	h, err1 := strconv.Atoi(s[0:2])
	m, err2 := strconv.Atoi(s[2:4])
	sec, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	var nanos int
	if len(s) > 6 {
		frac, err := strconv.ParseFloat("0"+s[6:], 64)
		if err != nil {
			return time.Time{}, false
		}
		nanos = int(math.Round(frac*1000)) * int(time.Millisecond)
	}
	day = day.UTC()
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, sec, nanos, time.UTC), true
}

// parseDate parses ddmmyy. Two digit years are placed in 1980..2079.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return time.Time{}, false
	}
	d, err1 := strconv.Atoi(s[0:2])
	mo, err2 := strconv.Atoi(s[2:4])
	y, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil || mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	if y < 80 {
		y += 2000
	} else {
		y += 1900
	}
	return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC), true
}

func formatTimeOfDay(t time.Time) string {
	return t.UTC().Format("150405.000")
}

func formatDate(t time.Time) string {
	return t.UTC().Format("020106")
}

// directionSign turns a hemisphere/side letter into a sign: negative for the letters in neg.
func directionSign(letter string, neg string) float64 {
	if strings.EqualFold(strings.TrimSpace(letter), neg) {
		return -1
	}
	return 1
}
