package registry

// Module names known to the back-office suite.
const (
	ModuleAttendance  = "attendance"
	ModuleBuyers      = "buyers"
	ModuleExpenses    = "expenses"
	ModuleInventory   = "inventory"
	ModuleMaintenance = "maintenance"
	ModuleSales       = "sales"
)

// crud lists the four record-level verbs every module carries.
var crud = []string{"view", "add", "change", "delete"}

// AttendanceCodenames lists the permissions required by the attendance module.
func AttendanceCodenames() []string {
	return append(append([]string{}, crud...), "import", "export")
}

// BuyersCodenames lists the permissions required by the buyers module.
func BuyersCodenames() []string {
	return append([]string{}, crud...)
}

// ExpensesCodenames lists the permissions required by the expenses module.
func ExpensesCodenames() []string {
	return withObject(crud, "category")
}

// InventoryCodenames lists the permissions required by the inventory module.
func InventoryCodenames() []string {
	return withObject(crud, "adjustment")
}

// MaintenanceCodenames lists the permissions required by the maintenance module.
func MaintenanceCodenames() []string {
	return withObject(crud, "record")
}

// SalesCodenames lists the permissions required by the sales module.
func SalesCodenames() []string {
	return withObject(crud, "item")
}

func withObject(verbs []string, object string) []string {
	out := make([]string, 0, len(verbs)*2)
	out = append(out, verbs...)
	for _, verb := range verbs {
		out = append(out, verb+"_"+object)
	}
	return out
}

// DefaultModules returns the compiled module table.
func DefaultModules() []Module {
	return []Module{
		NewModule(ModuleAttendance, AttendanceCodenames()...),
		NewModule(ModuleBuyers, BuyersCodenames()...),
		NewModule(ModuleExpenses, ExpensesCodenames()...),
		NewModule(ModuleInventory, InventoryCodenames()...),
		NewModule(ModuleMaintenance, MaintenanceCodenames()...),
		NewModule(ModuleSales, SalesCodenames()...),
	}
}
