package markethours

import "time"

// NSE holidays for 2026, month/day pairs. Tentative dates follow the
// exchange's provisional circular.
var nseHolidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},  // Republic Day
	{time.February, 17}, // Mahashivratri
	{time.March, 14},    // Holi
	{time.March, 31},    // Id-ul-Fitr
	{time.April, 2},     // Ram Navami
	{time.April, 6},     // Mahavir Jayanti
	{time.April, 10},    // Good Friday
	{time.April, 14},    // Dr. Ambedkar Jayanti
	{time.May, 1},       // Maharashtra Day
	{time.June, 7},      // Bakrid
	{time.July, 6},      // Muharram
	{time.August, 15},   // Independence Day
	{time.August, 16},   // Janmashtami
	{time.September, 5}, // Milad-un-Nabi
	{time.October, 2},   // Mahatma Gandhi Jayanti
	{time.October, 20},  // Dussehra
	{time.October, 21},  // Dussehra
	{time.November, 5},  // Diwali
	{time.November, 6},  // Diwali Balipratipada
	{time.November, 7},  // Bhai Dooj
	{time.November, 19}, // Guru Nanak Jayanti
	{time.December, 25}, // Christmas
}

var holidaySet map[string]bool

func init() {
	holidaySet = make(map[string]bool, len(nseHolidays2026))
	for _, h := range nseHolidays2026 {
		holidaySet[time.Date(2026, h.month, h.day, 0, 0, 0, 0, IST).Format("2006-01-02")] = true
	}
}

// IsNSEHoliday returns true if the IST date of t is on the built-in list.
func IsNSEHoliday(t time.Time) bool {
	return holidaySet[t.In(IST).Format("2006-01-02")]
}
