// Package graph defines the fact-store taxonomy and the propose-fact client.
//
// Node and relationship types are validated locally before any database
// round trip so that taxonomy typos fail fast in loader code.
package graph

// NodeType is a valid entity type in the fact store.
type NodeType string

const (
	NodePerson  NodeType = "Person"
	NodeCompany NodeType = "Company"
	NodeLawFirm NodeType = "LawFirm"

	NodeCountry NodeType = "Country"
	NodeState   NodeType = "State"
	NodeCity    NodeType = "City"
	NodeCounty  NodeType = "County"
	NodeZipCode NodeType = "ZipCode"
	NodeAddress NodeType = "Address"

	NodeMedicalFacility NodeType = "MedicalFacility"

	NodeThing NodeType = "Thing"
	NodeEvent NodeType = "Event"
)

// EntityClass classifies an entity for provenance and authority purposes.
type EntityClass string

const (
	EntityFactBased EntityClass = "fact_based"
	EntityReference EntityClass = "reference"
	EntityComputed  EntityClass = "computed"
)

// RelationshipType is a valid edge type in the fact store.
type RelationshipType string

const (
	// Legal
	RelLegalCounsel       RelationshipType = "Legal_Counsel"
	RelOpposingCounsel    RelationshipType = "Opposing_Counsel"
	RelClientRelationship RelationshipType = "Client_Relationship"
	RelConflict           RelationshipType = "Conflict"

	RelLegalCounselConflict         RelationshipType = "Legal_Counsel_Conflict"
	RelFamilyBusinessConflict       RelationshipType = "Family_Business_Conflict"
	RelDirectRepresentationConflict RelationshipType = "Direct_Representation_Conflict"

	RelClient          RelationshipType = "Client"
	RelOpposingParty   RelationshipType = "Opposing_Party"
	RelPotentialClient RelationshipType = "Potential_Client"

	// Geographic
	RelLocatedIn  RelationshipType = "Located_In"
	RelContains   RelationshipType = "Contains"
	RelLocatedAt  RelationshipType = "Located_At"
	RelLocationOf RelationshipType = "Location_Of"

	// Corporate
	RelIncorporatedIn  RelationshipType = "Incorporated_In"
	RelRegisteredAgent RelationshipType = "Registered_Agent"
	RelSubsidiary      RelationshipType = "Subsidiary"
	RelOwnership       RelationshipType = "Ownership"

	// Professional
	RelBoardMember RelationshipType = "Board_Member"
	RelEmployment  RelationshipType = "Employment"
	RelPartnership RelationshipType = "Partnership"

	// Personal
	RelFamily RelationshipType = "Family"

	// Activity
	RelParticipation RelationshipType = "Participation"
	RelOrganizer     RelationshipType = "Organizer"

	// Legacy; kept so historical rows still validate.
	RelLocation         RelationshipType = "Location"
	RelAdvisoryBoard    RelationshipType = "Advisory_Board"
	RelTestRelationship RelationshipType = "Test_Relationship"
)

var nodeTypes = map[NodeType]struct{}{
	NodePerson: {}, NodeCompany: {}, NodeLawFirm: {},
	NodeCountry: {}, NodeState: {}, NodeCity: {}, NodeCounty: {},
	NodeZipCode: {}, NodeAddress: {},
	NodeMedicalFacility: {},
	NodeThing:           {}, NodeEvent: {},
}

var geographicNodeTypes = map[NodeType]struct{}{
	NodeCountry: {}, NodeState: {}, NodeCity: {}, NodeCounty: {},
	NodeZipCode: {}, NodeAddress: {},
}

var entityClasses = map[EntityClass]struct{}{
	EntityFactBased: {}, EntityReference: {}, EntityComputed: {},
}

// RelationshipCategory groups relationship types for reporting.
type RelationshipCategory string

const (
	CategoryLegal        RelationshipCategory = "Legal"
	CategoryGeographic   RelationshipCategory = "Geographic"
	CategoryPhysical     RelationshipCategory = "Physical"
	CategoryCorporate    RelationshipCategory = "Corporate"
	CategoryProfessional RelationshipCategory = "Professional"
	CategoryPersonal     RelationshipCategory = "Personal"
	CategoryActivity     RelationshipCategory = "Activity"
	CategoryFinancial    RelationshipCategory = "Financial"
)

// RelationshipDefinition describes a relationship type's metadata.
type RelationshipDefinition struct {
	Type          RelationshipType
	Description   string
	Category      RelationshipCategory
	Bidirectional bool
	ConflictsWith []RelationshipType
}

var relationshipDefs = map[RelationshipType]RelationshipDefinition{
	RelLegalCounsel: {
		Type: RelLegalCounsel, Description: "Attorney represents Entity",
		Category: CategoryLegal, ConflictsWith: []RelationshipType{RelOpposingCounsel},
	},
	RelOpposingCounsel: {
		Type: RelOpposingCounsel, Description: "Attorney represents opposing party",
		Category: CategoryLegal, ConflictsWith: []RelationshipType{RelLegalCounsel},
	},
	RelClientRelationship: {
		Type: RelClientRelationship, Description: "Professional service relationship",
		Category: CategoryLegal,
	},
	RelConflict: {
		Type: RelConflict, Description: "Adversarial relationship",
		Category: CategoryLegal, Bidirectional: true,
	},
	RelLegalCounselConflict: {
		Type: RelLegalCounselConflict, Description: "Counsel on both sides of a matter",
		Category: CategoryLegal,
	},
	RelFamilyBusinessConflict: {
		Type: RelFamilyBusinessConflict, Description: "Family tie to an adverse business",
		Category: CategoryLegal,
	},
	RelDirectRepresentationConflict: {
		Type: RelDirectRepresentationConflict, Description: "Direct representation of adverse parties",
		Category: CategoryLegal,
	},
	RelClient: {
		Type: RelClient, Description: "Client of a firm",
		Category: CategoryLegal,
	},
	RelOpposingParty: {
		Type: RelOpposingParty, Description: "Party adverse to a client",
		Category: CategoryLegal,
	},
	RelPotentialClient: {
		Type: RelPotentialClient, Description: "Prospective client",
		Category: CategoryLegal,
	},
	RelLocatedIn: {
		Type: RelLocatedIn, Description: "Entity is located within geographic area",
		Category: CategoryGeographic, Bidirectional: true,
	},
	RelContains: {
		Type: RelContains, Description: "Geographic area contains entity",
		Category: CategoryGeographic, Bidirectional: true,
	},
	RelLocatedAt: {
		Type: RelLocatedAt, Description: "Entity is located at specific address",
		Category: CategoryGeographic, Bidirectional: true,
	},
	RelLocationOf: {
		Type: RelLocationOf, Description: "Address is location of entity",
		Category: CategoryGeographic, Bidirectional: true,
	},
	RelIncorporatedIn: {
		Type: RelIncorporatedIn, Description: "Company incorporated in jurisdiction",
		Category: CategoryCorporate,
	},
	RelRegisteredAgent: {
		Type: RelRegisteredAgent, Description: "Legal representative for corporation",
		Category: CategoryCorporate,
	},
	RelSubsidiary: {
		Type: RelSubsidiary, Description: "Company is subsidiary of another",
		Category: CategoryCorporate,
	},
	RelOwnership: {
		Type: RelOwnership, Description: "Entity owns another entity",
		Category: CategoryFinancial,
	},
	RelBoardMember: {
		Type: RelBoardMember, Description: "Person serves on Company board",
		Category: CategoryProfessional,
	},
	RelEmployment: {
		Type: RelEmployment, Description: "Person works for Company",
		Category: CategoryProfessional,
	},
	RelPartnership: {
		Type: RelPartnership, Description: "Business partnership relationship",
		Category: CategoryProfessional, Bidirectional: true,
	},
	RelAdvisoryBoard: {
		Type: RelAdvisoryBoard, Description: "Person advises Company",
		Category: CategoryProfessional,
	},
	RelFamily: {
		Type: RelFamily, Description: "Family relationship",
		Category: CategoryPersonal, Bidirectional: true,
	},
	RelParticipation: {
		Type: RelParticipation, Description: "Entity participates in Event",
		Category: CategoryActivity,
	},
	RelOrganizer: {
		Type: RelOrganizer, Description: "Entity organizes Event",
		Category: CategoryActivity,
	},
	RelLocation: {
		Type: RelLocation, Description: "Entity is located at Place (legacy)",
		Category: CategoryPhysical,
	},
	RelTestRelationship: {
		Type: RelTestRelationship, Description: "Synthetic edge for validation runs",
		Category: CategoryPhysical,
	},
}

// ValidNodeType reports whether s names a known node type.
func ValidNodeType(s string) bool {
	_, ok := nodeTypes[NodeType(s)]
	return ok
}

// ValidRelationshipType reports whether s names a known relationship type.
func ValidRelationshipType(s string) bool {
	_, ok := relationshipDefs[RelationshipType(s)]
	return ok
}

// ValidEntityClass reports whether s names a known entity class.
func ValidEntityClass(s string) bool {
	_, ok := entityClasses[EntityClass(s)]
	return ok
}

// IsGeographic reports whether t is a geographic node type.
func IsGeographic(t NodeType) bool {
	_, ok := geographicNodeTypes[t]
	return ok
}

// Definition returns the metadata for a relationship type.
func Definition(t RelationshipType) (RelationshipDefinition, bool) {
	d, ok := relationshipDefs[t]
	return d, ok
}

// IsBidirectional reports whether t implies its reverse edge.
func IsBidirectional(t RelationshipType) bool {
	return relationshipDefs[t].Bidirectional
}

// ConflictsWith returns the relationship types adversarial to t.
// Legal_Counsel and Opposing_Counsel between the same pair of entities
// signal a representation conflict in both directions.
func ConflictsWith(t RelationshipType) []RelationshipType {
	return relationshipDefs[t].ConflictsWith
}
