package metric

import "fmt"

// AttrKind describes the storage type of a descriptive attribute column.
type AttrKind int

const (
	AttrText AttrKind = iota
	AttrInteger
)

// Attr is one descriptive attribute column carried alongside every row.
type Attr struct {
	Name string
	Kind AttrKind
}

// Family describes one metric family: its table, projection, key columns,
// and the fixed field set every row of the family must carry.
type Family struct {
	Name           string
	Table          string
	View           string
	LocationColumn string
	PeriodColumn   string
	MetricColumns  []string
	AttrColumns    []Attr
}

// The Apartment List tables share one descriptive shape, the Zillow
// tables another. Both are denormalized onto every row.
var apartmentListAttrs = []Attr{
	{Name: "location_name"},
	{Name: "location_type"},
	{Name: "population", Kind: AttrInteger},
	{Name: "state"},
	{Name: "county"},
	{Name: "metro"},
}

var zillowAttrs = []Attr{
	{Name: "size_rank", Kind: AttrInteger},
	{Name: "region_name"},
	{Name: "region_type"},
	{Name: "state_name"},
}

// families is the closed set of supported metric families. Each family has
// its own historical table and read-optimized projection.
var families = []Family{
	{
		Name:           "rent_estimates",
		Table:          "apartment_list_rent_estimates",
		View:           "apartment_list_rent_estimates_view",
		LocationColumn: "location_fips_code",
		PeriodColumn:   "year_month",
		MetricColumns:  []string{"rent_estimate_overall", "rent_estimate_1br", "rent_estimate_2br"},
		AttrColumns:    apartmentListAttrs,
	},
	{
		Name:           "vacancy_index",
		Table:          "apartment_list_vacancy_index",
		View:           "apartment_list_vacancy_index_view",
		LocationColumn: "location_fips_code",
		PeriodColumn:   "year_month",
		MetricColumns:  []string{"vacancy_index_overall", "vacancy_index_1br", "vacancy_index_2br"},
		AttrColumns:    apartmentListAttrs,
	},
	{
		Name:           "time_on_market",
		Table:          "apartment_list_time_on_market",
		View:           "apartment_list_time_on_market_view",
		LocationColumn: "location_fips_code",
		PeriodColumn:   "year_month",
		MetricColumns:  []string{"time_on_market"},
		AttrColumns:    apartmentListAttrs,
	},
	{
		Name:           "new_home_affordability",
		Table:          "zillow_new_homeowner_affordability_down_20pct",
		View:           "zillow_new_homeowner_affordability_down_20pct_view",
		LocationColumn: "region_id",
		PeriodColumn:   "date",
		MetricColumns:  []string{"new_home_affordability_down_20pct"},
		AttrColumns:    zillowAttrs,
	},
	{
		Name:           "renter_affordability",
		Table:          "zillow_new_renter_affordability",
		View:           "zillow_new_renter_affordability_view",
		LocationColumn: "region_id",
		PeriodColumn:   "date",
		MetricColumns:  []string{"new_renter_affordability"},
		AttrColumns:    zillowAttrs,
	},
	{
		Name:           "median_sale_price",
		Table:          "zillow_median_sale_price_all_home",
		View:           "zillow_median_sale_price_all_home_view",
		LocationColumn: "region_id",
		PeriodColumn:   "date",
		MetricColumns:  []string{"median_sale_price_all_home"},
		AttrColumns:    zillowAttrs,
	},
}

// Families returns all supported metric families in declaration order.
func Families() []Family {
	out := make([]Family, len(families))
	copy(out, families)
	return out
}

// FamilyByName looks up a family by its short name.
func FamilyByName(name string) (Family, error) {
	for _, f := range families {
		if f.Name == name {
			return f, nil
		}
	}
	return Family{}, fmt.Errorf("unknown metric family: %q", name)
}

// FamilyNames returns the short names of all supported families.
func FamilyNames() []string {
	names := make([]string, len(families))
	for i, f := range families {
		names[i] = f.Name
	}
	return names
}

// AttrNames returns the attribute column names in declaration order.
func (f Family) AttrNames() []string {
	names := make([]string, len(f.AttrColumns))
	for i, a := range f.AttrColumns {
		names[i] = a.Name
	}
	return names
}

// Columns returns every column of the family's table in storage order:
// location key, period key, attributes, metrics, last_update_time.
func (f Family) Columns() []string {
	cols := []string{f.LocationColumn, f.PeriodColumn}
	cols = append(cols, f.AttrNames()...)
	cols = append(cols, f.MetricColumns...)
	cols = append(cols, "last_update_time")
	return cols
}
