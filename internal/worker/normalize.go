package worker

import (
	"strings"

	"aksjeimport/internal"
	"aksjeimport/internal/util"
)

const (
	fieldOrgnr = iota
	fieldSelskap
	fieldAksjeklasse
	fieldNavnAksjonaer
	fieldFodselsarOrgnr
	fieldLandkode
	fieldAntallAksjer
	fieldAntallAksjerSelskap
	fieldCount
)

// FieldSpec lists, in precedence order, the source headers a canonical field
// may be read from.
type FieldSpec struct {
	Name    string
	Aliases []string
}

// FieldAliases is the header lookup table. For every field the first alias
// holding a non-empty value in a row wins, so the order inside each list is
// part of the import contract.
var FieldAliases = [fieldCount]FieldSpec{
	fieldOrgnr:               {Name: "orgnr", Aliases: []string{"orgnr", "Orgnr", "organisasjonsnummer", "Organisasjonsnummer", "org_nr"}},
	fieldSelskap:             {Name: "selskap", Aliases: []string{"navn", "selskapsnavn", "company_name", "Selskap"}},
	fieldAksjeklasse:         {Name: "aksjeklasse", Aliases: []string{"aksjeklasse", "Aksjeklasse", "share_class"}},
	fieldNavnAksjonaer:       {Name: "navn_aksjonaer", Aliases: []string{"aksjonaer", "eier", "holder", "navn_aksjonaer", "Navn aksjonÃ¦r", "Navn aksjonær"}},
	fieldFodselsarOrgnr:      {Name: "fodselsar_orgnr", Aliases: []string{"eier_orgnr", "holder_orgnr", "fodselsar_orgnr", "FÃ¸dselsÃ¥r/orgnr", "Fødselsår/orgnr"}},
	fieldLandkode:            {Name: "landkode", Aliases: []string{"landkode", "Landkode", "country_code"}},
	fieldAntallAksjer:        {Name: "antall_aksjer", Aliases: []string{"aksjer", "shares", "antall_aksjer", "Antall aksjer"}},
	fieldAntallAksjerSelskap: {Name: "antall_aksjer_selskap", Aliases: []string{"antall_aksjer_selskap", "total_shares", "Antall aksjer selskap"}},
}

const defaultShareCount = "0"

// columnPlan holds, per field, the header positions of its aliases in
// precedence order. It is resolved once per file from the header row.
type columnPlan [fieldCount][]int

func planColumns(header []string) columnPlan {
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, seen := index[h]; !seen {
			index[h] = i
		}
	}

	var plan columnPlan
	for i, spec := range FieldAliases {
		for _, alias := range spec.Aliases {
			if col, ok := index[alias]; ok {
				plan[i] = append(plan[i], col)
			}
		}
	}
	return plan
}

// HeaderScore is the number of canonical fields a header row can populate.
func HeaderScore(header []string) int {
	return planColumns(header).matched()
}

func (p columnPlan) normalize(fields []string) internal.ShareholderRecord {
	var vals [fieldCount]string
	for i, cols := range p {
		for _, col := range cols {
			if col < len(fields) && fields[col] != "" {
				vals[i] = fields[col]
				break
			}
		}
	}
	return assemble(vals)
}

// matched reports how many canonical fields the header can populate.
func (p columnPlan) matched() int {
	n := 0
	for _, cols := range p {
		if len(cols) > 0 {
			n++
		}
	}
	return n
}

func assemble(vals [fieldCount]string) internal.ShareholderRecord {
	for i := range vals {
		vals[i] = strings.TrimSpace(vals[i])
	}
	shares := vals[fieldAntallAksjer]
	if shares == "" {
		shares = defaultShareCount
	}
	return internal.ShareholderRecord{
		Orgnr:               vals[fieldOrgnr],
		Selskap:             vals[fieldSelskap],
		Aksjeklasse:         util.NilIfEmpty(vals[fieldAksjeklasse]),
		NavnAksjonaer:       vals[fieldNavnAksjonaer],
		FodselsarOrgnr:      util.NilIfEmpty(vals[fieldFodselsarOrgnr]),
		Landkode:            util.NilIfEmpty(vals[fieldLandkode]),
		AntallAksjer:        shares,
		AntallAksjerSelskap: util.NilIfEmpty(vals[fieldAntallAksjerSelskap]),
	}
}
