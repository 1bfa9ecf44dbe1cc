package extract

import (
	"strings"

	"buildcore-go/internal/storage/models"
)

// publicEmailDomains 公共邮箱域名，不能作为实体归属的依据
var publicEmailDomains = map[string]struct{}{
	"gmail.com":      {},
	"outlook.com":    {},
	"hotmail.com":    {},
	"yahoo.com":      {},
	"icloud.com":     {},
	"qq.com":         {},
	"163.com":        {},
	"126.com":        {},
	"live.com":       {},
	"bigpond.com":    {},
	"protonmail.com": {},
}

// matchSupplier 供应商匹配：精确名称 → 子串 → 发件人域名。
// 域名回退排除公共邮箱，避免把gmail发件人归到任何供应商。
func matchSupplier(suppliers []models.Supplier, extractedName, senderEmail string) *models.Supplier {
	name := normalizeName(extractedName)
	if name != "" {
		for i := range suppliers {
			if normalizeName(suppliers[i].Name) == name {
				return &suppliers[i]
			}
		}
		for i := range suppliers {
			candidate := normalizeName(suppliers[i].Name)
			if candidate == "" {
				continue
			}
			if strings.Contains(name, candidate) || strings.Contains(candidate, name) {
				return &suppliers[i]
			}
		}
	}

	domain := emailDomain(senderEmail)
	if domain == "" {
		return nil
	}
	if _, public := publicEmailDomains[domain]; public {
		return nil
	}
	for i := range suppliers {
		if emailDomain(suppliers[i].Email) == domain {
			return &suppliers[i]
		}
	}
	return nil
}

// matchProject 项目匹配：精确名称 → 子串
func matchProject(projects []models.Project, extractedName string) *models.Project {
	name := normalizeName(extractedName)
	if name == "" {
		return nil
	}
	for i := range projects {
		if normalizeName(projects[i].Name) == name {
			return &projects[i]
		}
	}
	for i := range projects {
		candidate := normalizeName(projects[i].Name)
		if candidate == "" {
			continue
		}
		if strings.Contains(name, candidate) || strings.Contains(candidate, name) {
			return &projects[i]
		}
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
