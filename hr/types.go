package hr

// User is the slim directory user projection requested via $select. The
// ManagerID and Reports fields are not served by the users endpoint; the
// hierarchy builder fills them before the snapshots are written.
type User struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	UserPrincipalName string   `json:"userPrincipalName"`
	MailNickname      string   `json:"mailNickname"`
	Mail              string   `json:"mail"`
	JobTitle          string   `json:"jobTitle"`
	Department        string   `json:"department"`
	ManagerID         *string  `json:"managerId"`
	Reports           []string `json:"reports"`
}

// TreeNode is one user in the nested reporting forest written to
// org_tree.json. Reports holds the direct reports, sorted by display name.
type TreeNode struct {
	ID                string      `json:"id"`
	DisplayName       string      `json:"displayName"`
	UserPrincipalName string      `json:"userPrincipalName"`
	MailNickname      string      `json:"mailNickname"`
	Mail              string      `json:"mail"`
	JobTitle          string      `json:"jobTitle"`
	Department        string      `json:"department"`
	ManagerID         *string     `json:"managerId"`
	Reports           []*TreeNode `json:"reports"`
}

// ViewerNode is the minimal flat projection consumed by the HTML org viewer.
// DisplayName falls back to mailNickname, userPrincipalName or the id so the
// viewer never renders a blank label.
type ViewerNode struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	UserPrincipalName string   `json:"userPrincipalName"`
	MailNickname      string   `json:"mailNickname"`
	JobTitle          string   `json:"jobTitle"`
	Department        string   `json:"department"`
	ManagerID         *string  `json:"managerId"`
	Reports           []string `json:"reports"`
}
