package direct

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Graph API versions a report can be served from.
const (
	V1   = "v1.0"
	Beta = "beta"
)

// Default base URLs per API version.
var DefaultBaseURLs = map[string]string{
	V1:   "https://graph.microsoft.com/v1.0",
	Beta: "https://graph.microsoft.com/beta",
}

// MaxPageSize is the largest $top the collection endpoints accept.
const MaxPageSize = 999

// Report is a report served by a plain collection GET.
type Report struct {
	Name       string
	Endpoint   string
	Version    string
	Permission string
	Params     map[string]string
	// DevicePostFilter marks collections that cannot filter by device
	// server-side; deviceId is applied to the rows instead.
	DevicePostFilter bool
}

var builtin = []Report{
	{Name: "Users", Endpoint: "/users", Version: V1, Permission: "User.ReadBasic.All",
		Params: map[string]string{"$top": "999"}},
	{Name: "AllGroupsInMyOrg", Endpoint: "/groups", Version: V1, Permission: "Group.Read.All",
		Params: map[string]string{"$top": "999"}},
	{Name: "OrgAppsInstallStatus", Endpoint: "/deviceAppManagement/mobileApps", Version: Beta,
		Permission: "DeviceManagementApps.Read.All", Params: map[string]string{"$filter": "isAssigned eq true"}},
	{Name: "OrgDeviceInstallStatus", Endpoint: "/deviceAppManagement/mobileApps", Version: Beta,
		Permission: "DeviceManagementApps.Read.All", Params: map[string]string{"$expand": "installSummary,deviceStatuses,userStatuses"}},
	{Name: "Devices", Endpoint: "/deviceManagement/managedDevices", Version: Beta,
		Permission: "DeviceManagementManagedDevices.Read.All", Params: map[string]string{"$top": "999"}},
	{Name: "AllAppsList", Endpoint: "/deviceAppManagement/mobileApps", Version: Beta,
		Permission: "DeviceManagementApps.Read.All", Params: map[string]string{"$top": "999"}},
	{Name: "Policies", Endpoint: "/deviceManagement/deviceCompliancePolicies", Version: Beta,
		Permission: "DeviceManagementConfiguration.Read.All", Params: map[string]string{"$expand": "deviceStatusOverview,userStatusOverview"}},
	{Name: "DevicesByAppInv", Endpoint: "/deviceAppManagement/mobileApps", Version: Beta,
		Permission: "DeviceManagementApps.Read.All", Params: map[string]string{"$top": "999"}, DevicePostFilter: true},
	{Name: "AppInvByDevice", Endpoint: "/deviceAppManagement/mobileApps", Version: Beta,
		Permission: "DeviceManagementApps.Read.All", Params: map[string]string{"$top": "999"}, DevicePostFilter: true},
}

// Catalog indexes direct reports by name.
type Catalog map[string]Report

// DefaultCatalog returns a fresh copy of the built-in reports.
func DefaultCatalog() Catalog {
	c := make(Catalog, len(builtin))
	for _, r := range builtin {
		r.Params = maps.Clone(r.Params)
		c[r.Name] = r
	}
	return c
}

// Names returns the report names in sorted order.
func (c Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c))
}

// Merged is the outcome of MergeParams.
type Merged struct {
	Query       map[string]string
	PostFilters map[string]string
}

// MergeParams folds caller parameters into the report's default query.
// Supported names are deviceId, policyId, userId, applicationId,
// startDate, endDate and top. Filter clauses are joined with "and"; an
// existing $filter is kept and parenthesized. $top is capped at
// MaxPageSize.
func MergeParams(r Report, user map[string]string) Merged {
	m := Merged{Query: maps.Clone(r.Params), PostFilters: map[string]string{}}
	if m.Query == nil {
		m.Query = map[string]string{}
	}

	var clauses []string
	if v := value(user, "deviceId"); v != "" {
		if r.DevicePostFilter {
			m.PostFilters["deviceId"] = v
		} else {
			clauses = append(clauses, eq("managedDeviceId", v))
		}
	}
	if v := value(user, "policyId"); v != "" {
		if r.Name == "Policies" {
			clauses = append(clauses, eq("id", v))
		} else {
			clauses = append(clauses, eq("policyId", v))
		}
	}
	if v := value(user, "userId"); v != "" {
		clauses = append(clauses, eq("userId", v))
	}
	if v := value(user, "applicationId"); v != "" {
		clauses = append(clauses, eq("id", v))
	}
	if v := value(user, "startDate"); v != "" {
		clauses = append(clauses, fmt.Sprintf("createdDateTime ge %sT00:00:00Z", v))
	}
	if v := value(user, "endDate"); v != "" {
		clauses = append(clauses, fmt.Sprintf("createdDateTime le %sT23:59:59Z", v))
	}
	if v := value(user, "top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			m.Query["$top"] = strconv.Itoa(n)
		}
	}

	if len(clauses) > 0 {
		joined := strings.Join(clauses, " and ")
		if existing := m.Query["$filter"]; existing != "" {
			joined = fmt.Sprintf("(%s) and (%s)", existing, joined)
		}
		m.Query["$filter"] = joined
	}
	if top, err := strconv.Atoi(m.Query["$top"]); err == nil && top > MaxPageSize {
		m.Query["$top"] = strconv.Itoa(MaxPageSize)
	}
	return m
}

func value(m map[string]string, k string) string {
	return strings.TrimSpace(m[k])
}

func eq(field, v string) string {
	return fmt.Sprintf("%s eq '%s'", field, strings.ReplaceAll(v, "'", "''"))
}
