package hr

import (
	"sort"
	"strings"
)

// BuildHierarchy attaches the resolved manager to every user and folds the
// list into a reporting forest. A user roots a tree when its manager is
// null, empty or not part of the snapshot; a user listed as its own manager
// also becomes a root instead of nesting under itself. Children sort
// case-insensitively by display name at every level, and each User.Reports
// receives the sorted ids of its direct reports.
//
// Returns the forest roots and the flat viewer projection, both drawing on
// the same sorted child order.
func BuildHierarchy(users []*User, managers map[string]*string) ([]*TreeNode, []*ViewerNode) {
	nodes := make(map[string]*TreeNode, len(users))
	order := make([]*TreeNode, 0, len(users))
	for _, u := range users {
		u.ManagerID = managers[u.ID]
		n := &TreeNode{
			ID:                u.ID,
			DisplayName:       u.DisplayName,
			UserPrincipalName: u.UserPrincipalName,
			MailNickname:      u.MailNickname,
			Mail:              u.Mail,
			JobTitle:          u.JobTitle,
			Department:        u.Department,
			ManagerID:         u.ManagerID,
			Reports:           []*TreeNode{},
		}
		nodes[u.ID] = n
		order = append(order, n)
	}

	roots := make([]*TreeNode, 0)
	for _, n := range order {
		if n.ManagerID != nil && *n.ManagerID != "" {
			if parent, ok := nodes[*n.ManagerID]; ok && parent != n {
				parent.Reports = append(parent.Reports, n)
				continue
			}
		}
		roots = append(roots, n)
	}

	for _, r := range roots {
		sortReports(r)
	}

	viewer := make([]*ViewerNode, 0, len(users))
	for _, u := range users {
		n := nodes[u.ID]
		ids := make([]string, 0, len(n.Reports))
		for _, child := range n.Reports {
			ids = append(ids, child.ID)
		}
		u.Reports = ids

		name := u.DisplayName
		if name == "" {
			name = u.MailNickname
		}
		if name == "" {
			name = u.UserPrincipalName
		}
		if name == "" {
			name = u.ID
		}
		viewer = append(viewer, &ViewerNode{
			ID:                u.ID,
			DisplayName:       name,
			UserPrincipalName: u.UserPrincipalName,
			MailNickname:      u.MailNickname,
			JobTitle:          u.JobTitle,
			Department:        u.Department,
			ManagerID:         u.ManagerID,
			Reports:           ids,
		})
	}

	return roots, viewer
}

// sortReports orders a subtree by display name, case-insensitively. Equal
// names keep their snapshot order.
func sortReports(n *TreeNode) {
	sort.SliceStable(n.Reports, func(i, j int) bool {
		return strings.ToLower(n.Reports[i].DisplayName) < strings.ToLower(n.Reports[j].DisplayName)
	})
	for _, child := range n.Reports {
		sortReports(child)
	}
}
