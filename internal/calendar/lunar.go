// Package calendar converts between Gregorian (solar) dates and lunisolar
// dates, including leap-month handling. The conversion computes new-moon
// instants and apparent solar longitude astronomically, so it needs no
// lookup tables and works for any year in the supported range.
//
// All computations are local to a fixed UTC offset because lunar month
// boundaries depend on the civil day in which a new moon falls. Vietnam
// (UTC+7) is the default used by callers of [NewConverter].
package calendar

import (
	"fmt"
	"math"
)

// LunarDate is a date in the lunisolar calendar. LeapMonth marks the
// intercalary repetition of Month in years that have one.
type LunarDate struct {
	Day       int
	Month     int
	Year      int
	LeapMonth bool
}

func (d LunarDate) String() string {
	if d.LeapMonth {
		return fmt.Sprintf("%d/%d(leap)/%d", d.Day, d.Month, d.Year)
	}
	return fmt.Sprintf("%d/%d/%d", d.Day, d.Month, d.Year)
}

// Converter performs solar/lunar conversion for a fixed UTC offset.
type Converter struct {
	tz float64 // UTC offset in hours
}

// NewConverter returns a Converter for the given UTC offset in hours,
// e.g. 7 for Vietnam.
func NewConverter(utcOffsetHours float64) *Converter {
	return &Converter{tz: utcOffsetHours}
}

// SolarToLunar converts a Gregorian year/month/day to its lunisolar date.
func (c *Converter) SolarToLunar(year, month, day int) LunarDate {
	dayNumber := jdFromDate(day, month, year)
	k := int(math.Floor((float64(dayNumber) - 2415021.076998695) / synodicMonth))

	monthStart := c.newMoonDay(k + 1)
	if monthStart > dayNumber {
		monthStart = c.newMoonDay(k)
	}

	a11 := c.lunarMonth11(year)
	b11 := a11
	lunarYear := 0
	if a11 >= monthStart {
		lunarYear = year
		a11 = c.lunarMonth11(year - 1)
	} else {
		lunarYear = year + 1
		b11 = c.lunarMonth11(year + 1)
	}

	lunarDay := dayNumber - monthStart + 1
	diff := (monthStart - a11) / 29

	leap := false
	lunarMonth := diff + 11
	if b11-a11 > 365 {
		leapOff := c.leapMonthOffset(a11)
		if diff >= leapOff {
			lunarMonth = diff + 10
			if diff == leapOff {
				leap = true
			}
		}
	}
	if lunarMonth > 12 {
		lunarMonth -= 12
	}
	if lunarMonth >= 11 && diff < 4 {
		lunarYear--
	}

	return LunarDate{Day: lunarDay, Month: lunarMonth, Year: lunarYear, LeapMonth: leap}
}

// LunarToSolar converts a lunisolar date back to Gregorian year/month/day.
// It returns an error when LeapMonth is set but the lunar year has no leap
// repetition of that month, or when Day exceeds the month's length (day 30
// of a 29-day month).
func (c *Converter) LunarToSolar(d LunarDate) (year, month, day int, err error) {
	var a11, b11 int
	if d.Month < 11 {
		a11 = c.lunarMonth11(d.Year - 1)
		b11 = c.lunarMonth11(d.Year)
	} else {
		a11 = c.lunarMonth11(d.Year)
		b11 = c.lunarMonth11(d.Year + 1)
	}

	k := int(math.Floor(0.5 + (float64(a11)-2415021.076998695)/synodicMonth))

	off := d.Month - 11
	if off < 0 {
		off += 12
	}
	if b11-a11 > 365 {
		leapOff := c.leapMonthOffset(a11)
		leapMonth := leapOff - 2
		if leapMonth < 0 {
			leapMonth += 12
		}
		if d.LeapMonth && d.Month != leapMonth {
			return 0, 0, 0, fmt.Errorf("lunar year %d has no leap month %d", d.Year, d.Month)
		}
		if d.LeapMonth || off >= leapOff {
			off++
		}
	} else if d.LeapMonth {
		return 0, 0, 0, fmt.Errorf("lunar year %d has no leap month", d.Year)
	}

	monthStart := c.newMoonDay(k + off)
	// Lunar months run 29 or 30 days; reject days past the end rather than
	// silently spilling into the next month.
	monthLen := c.newMoonDay(k+off+1) - monthStart
	if d.Day < 1 || d.Day > monthLen {
		return 0, 0, 0, fmt.Errorf("lunar month %d/%d has %d days, no day %d", d.Month, d.Year, monthLen, d.Day)
	}
	day, month, year = jdToDate(monthStart + d.Day - 1)
	return year, month, day, nil
}

// --- astronomical helpers ----------------------------------------------------

// synodicMonth is the mean length of a lunation in days.
const synodicMonth = 29.530588853

// jdFromDate returns the Julian day number of midday on dd/mm/yyyy.
func jdFromDate(dd, mm, yy int) int {
	a := (14 - mm) / 12
	y := yy + 4800 - a
	m := mm + 12*a - 3
	jd := dd + (153*m+2)/5 + 365*y + y/4 - y/100 + y/400 - 32045
	if jd < 2299161 {
		jd = dd + (153*m+2)/5 + 365*y + y/4 - 32083
	}
	return jd
}

// jdToDate converts a Julian day number back to a calendar date.
func jdToDate(jd int) (dd, mm, yy int) {
	var a, b, c int
	if jd > 2299160 {
		// Gregorian
		a = jd + 32044
		b = (4*a + 3) / 146097
		c = a - (b*146097)/4
	} else {
		b = 0
		c = jd + 32082
	}
	d := (4*c + 3) / 1461
	e := c - (1461*d)/4
	m := (5*e + 2) / 153
	dd = e - (153*m+2)/5 + 1
	mm = m + 3 - 12*(m/10)
	yy = b*100 + d - 4800 + m/10
	return dd, mm, yy
}

// newMoon returns the Julian date (fractional, UTC) of the k-th new moon
// counted from the start of 1900.
func newMoon(k int) float64 {
	T := float64(k) / 1236.85
	T2 := T * T
	T3 := T2 * T
	dr := math.Pi / 180

	jd1 := 2415020.75933 + synodicMonth*float64(k) + 0.0001178*T2 - 0.000000155*T3
	jd1 += 0.00033 * math.Sin((166.56+132.87*T-0.009173*T2)*dr)

	m := 359.2242 + 29.10535608*float64(k) - 0.0000333*T2 - 0.00000347*T3
	mpr := 306.0253 + 385.81691806*float64(k) + 0.0107306*T2 + 0.00001236*T3
	f := 21.2964 + 390.67050646*float64(k) - 0.0016528*T2 - 0.00000239*T3

	c1 := (0.1734-0.000393*T)*math.Sin(m*dr) + 0.0021*math.Sin(2*dr*m)
	c1 -= 0.4068 * math.Sin(mpr*dr)
	c1 += 0.0161 * math.Sin(dr*2*mpr)
	c1 -= 0.0004 * math.Sin(dr*3*mpr)
	c1 += 0.0104 * math.Sin(dr*2*f)
	c1 -= 0.0051 * math.Sin(dr*(m+mpr))
	c1 -= 0.0074 * math.Sin(dr*(m-mpr))
	c1 += 0.0004 * math.Sin(dr*(2*f+m))
	c1 -= 0.0004 * math.Sin(dr*(2*f-m))
	c1 -= 0.0006 * math.Sin(dr*(2*f+mpr))
	c1 += 0.0010 * math.Sin(dr*(2*f-mpr))
	c1 += 0.0005 * math.Sin(dr*(2*mpr+m))

	var deltaT float64
	if T < -11 {
		deltaT = 0.001 + 0.000839*T + 0.0002261*T2 - 0.00000845*T3 - 0.000000081*T*T3
	} else {
		deltaT = -0.000278 + 0.000265*T + 0.000262*T2
	}
	return jd1 + c1 - deltaT
}

// sunLongitude returns the apparent solar longitude, in radians, at the
// given fractional Julian date (UTC).
func sunLongitude(jdn float64) float64 {
	T := (jdn - 2451545.0) / 36525
	T2 := T * T
	dr := math.Pi / 180

	m := 357.52910 + 35999.05030*T - 0.0001559*T2 - 0.00000048*T*T2
	l0 := 280.46645 + 36000.76983*T + 0.0003032*T2
	dl := (1.914600 - 0.004817*T - 0.000014*T2) * math.Sin(dr*m)
	dl += (0.019993-0.000101*T)*math.Sin(dr*2*m) + 0.000290*math.Sin(dr*3*m)
	l := (l0 + dl) * dr
	return l - 2*math.Pi*math.Floor(l/(2*math.Pi))
}

// newMoonDay returns the civil day number (Julian day, local offset) on
// which the k-th new moon occurs.
func (c *Converter) newMoonDay(k int) int {
	return int(math.Floor(newMoon(k) + 0.5 + c.tz/24))
}

// sunLongitudeIndex returns the major solar-term index (0..11) at local
// midnight starting the given civil day.
func (c *Converter) sunLongitudeIndex(dayNumber int) int {
	return int(math.Floor(sunLongitude(float64(dayNumber)-0.5-c.tz/24) / math.Pi * 6))
}

// lunarMonth11 returns the civil day starting lunar month 11 of the given
// Gregorian year, i.e. the month containing the winter solstice.
func (c *Converter) lunarMonth11(yy int) int {
	off := jdFromDate(31, 12, yy) - 2415021
	k := int(math.Floor(float64(off) / synodicMonth))
	nm := c.newMoonDay(k)
	if c.sunLongitudeIndex(nm) >= 9 {
		nm = c.newMoonDay(k - 1)
	}
	return nm
}

// leapMonthOffset finds which month after the given month-11 start is the
// leap month: the first lunar month that contains no major solar term.
func (c *Converter) leapMonthOffset(a11 int) int {
	k := int(math.Floor((float64(a11)-2415021.076998695)/synodicMonth + 0.5))
	last := 0
	i := 1
	arc := c.sunLongitudeIndex(c.newMoonDay(k + i))
	for {
		last = arc
		i++
		arc = c.sunLongitudeIndex(c.newMoonDay(k + i))
		if arc == last || i >= 14 {
			break
		}
	}
	return i - 1
}
