package carrier

import (
	"sort"
	"strings"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// PackageCategory groups products by keyword matches against name and
// description. Categories are checked in order; the first match wins.
type PackageCategory struct {
	Name     string
	Keywords []string
}

// DefaultCategories mirrors how the carrier's app groups its products. The
// fallback category has no keywords and collects everything unmatched.
var DefaultCategories = []PackageCategory{
	{Name: "Internet y Llamadas", Keywords: []string{"Internet", "Datos", "MB", "GB", "Minutos", "Combo"}},
	{Name: "Ilimitados", Keywords: []string{"Ilimitado", "Unlimited", "Sin límite", "Todo el día"}},
	{Name: "Voz", Keywords: []string{"Minutos", "Llamadas", "Voz", "Nacional", "Internacional"}},
	{Name: "Otros"},
}

// Categorize assigns a category to a single package.
func Categorize(pkg models.Package, categories []PackageCategory) string {
	combined := strings.ToUpper(pkg.Name + " " + pkg.Description)
	for _, category := range categories {
		for _, keyword := range category.Keywords {
			if strings.Contains(combined, strings.ToUpper(keyword)) {
				return category.Name
			}
		}
	}
	if len(categories) > 0 {
		return categories[len(categories)-1].Name
	}
	return ""
}

// OrganizePackages annotates each package with its category and returns them
// grouped, cheapest first within each group. Empty groups are omitted.
func OrganizePackages(packages []models.Package, categories []PackageCategory) map[string][]models.Package {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	organized := make(map[string][]models.Package)
	for _, pkg := range packages {
		pkg.Category = Categorize(pkg, categories)
		organized[pkg.Category] = append(organized[pkg.Category], pkg)
	}
	for category := range organized {
		group := organized[category]
		sort.Slice(group, func(i, j int) bool { return group[i].Amount < group[j].Amount })
	}
	return organized
}

// FindPackage locates a product by ID.
func FindPackage(packages []models.Package, id string) (models.Package, bool) {
	for _, pkg := range packages {
		if pkg.ID == id {
			return pkg, true
		}
	}
	return models.Package{}, false
}
