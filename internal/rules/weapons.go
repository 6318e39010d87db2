package rules

import "strings"

// WeaponCategory groups weapons by training and reach.
type WeaponCategory string

const (
	SimpleMelee  WeaponCategory = "simple_melee"
	SimpleRanged WeaponCategory = "simple_ranged"
	MartialMelee WeaponCategory = "martial_melee"
	MartialRange WeaponCategory = "martial_ranged"
)

// Weapon is a 5e weapon entry.
type Weapon struct {
	Name       string
	Category   WeaponCategory
	Damage     string
	DamageType string

	// Versatile is the two-handed damage, if any.
	Versatile string
	Finesse   bool
}

// Ranged reports whether the weapon is a ranged weapon.
func (w Weapon) Ranged() bool {
	return w.Category == SimpleRanged || w.Category == MartialRange
}

// UsesDex reports whether attacks with w use Dexterity.
func (w Weapon) UsesDex() bool { return w.Ranged() || w.Finesse }

var weapons = []Weapon{
	{Name: "Club", Category: SimpleMelee, Damage: "1d4", DamageType: "bludgeoning"},
	{Name: "Dagger", Category: SimpleMelee, Damage: "1d4", DamageType: "piercing", Finesse: true},
	{Name: "Greatclub", Category: SimpleMelee, Damage: "1d8", DamageType: "bludgeoning"},
	{Name: "Handaxe", Category: SimpleMelee, Damage: "1d6", DamageType: "slashing"},
	{Name: "Javelin", Category: SimpleMelee, Damage: "1d6", DamageType: "piercing"},
	{Name: "Light Hammer", Category: SimpleMelee, Damage: "1d4", DamageType: "bludgeoning"},
	{Name: "Mace", Category: SimpleMelee, Damage: "1d6", DamageType: "bludgeoning"},
	{Name: "Quarterstaff", Category: SimpleMelee, Damage: "1d6", DamageType: "bludgeoning", Versatile: "1d8"},
	{Name: "Sickle", Category: SimpleMelee, Damage: "1d4", DamageType: "slashing"},
	{Name: "Spear", Category: SimpleMelee, Damage: "1d6", DamageType: "piercing", Versatile: "1d8"},

	{Name: "Light Crossbow", Category: SimpleRanged, Damage: "1d8", DamageType: "piercing"},
	{Name: "Dart", Category: SimpleRanged, Damage: "1d4", DamageType: "piercing", Finesse: true},
	{Name: "Shortbow", Category: SimpleRanged, Damage: "1d6", DamageType: "piercing"},
	{Name: "Sling", Category: SimpleRanged, Damage: "1d4", DamageType: "bludgeoning"},

	{Name: "Battleaxe", Category: MartialMelee, Damage: "1d8", DamageType: "slashing", Versatile: "1d10"},
	{Name: "Flail", Category: MartialMelee, Damage: "1d8", DamageType: "bludgeoning"},
	{Name: "Glaive", Category: MartialMelee, Damage: "1d10", DamageType: "slashing"},
	{Name: "Greataxe", Category: MartialMelee, Damage: "1d12", DamageType: "slashing"},
	{Name: "Greatsword", Category: MartialMelee, Damage: "2d6", DamageType: "slashing"},
	{Name: "Halberd", Category: MartialMelee, Damage: "1d10", DamageType: "slashing"},
	{Name: "Lance", Category: MartialMelee, Damage: "1d12", DamageType: "piercing"},
	{Name: "Longsword", Category: MartialMelee, Damage: "1d8", DamageType: "slashing", Versatile: "1d10"},
	{Name: "Maul", Category: MartialMelee, Damage: "2d6", DamageType: "bludgeoning"},
	{Name: "Morningstar", Category: MartialMelee, Damage: "1d8", DamageType: "piercing"},
	{Name: "Pike", Category: MartialMelee, Damage: "1d10", DamageType: "piercing"},
	{Name: "Rapier", Category: MartialMelee, Damage: "1d8", DamageType: "piercing", Finesse: true},
	{Name: "Scimitar", Category: MartialMelee, Damage: "1d6", DamageType: "slashing", Finesse: true},
	{Name: "Shortsword", Category: MartialMelee, Damage: "1d6", DamageType: "piercing", Finesse: true},
	{Name: "Trident", Category: MartialMelee, Damage: "1d6", DamageType: "piercing", Versatile: "1d8"},
	{Name: "War Pick", Category: MartialMelee, Damage: "1d8", DamageType: "piercing"},
	{Name: "Warhammer", Category: MartialMelee, Damage: "1d8", DamageType: "bludgeoning", Versatile: "1d10"},
	{Name: "Whip", Category: MartialMelee, Damage: "1d4", DamageType: "slashing", Finesse: true},

	{Name: "Blowgun", Category: MartialRange, Damage: "1", DamageType: "piercing"},
	{Name: "Hand Crossbow", Category: MartialRange, Damage: "1d6", DamageType: "piercing"},
	{Name: "Heavy Crossbow", Category: MartialRange, Damage: "1d10", DamageType: "piercing"},
	{Name: "Longbow", Category: MartialRange, Damage: "1d8", DamageType: "piercing"},
	{Name: "Net", Category: MartialRange, Damage: "0", DamageType: "none"},
}

var weaponIndex = func() map[string]int {
	m := make(map[string]int, len(weapons))
	for i, w := range weapons {
		m[strings.ToLower(w.Name)] = i
	}
	return m
}()

// LookupWeapon finds a weapon by name, ignoring case. Identifiers such as
// "weapon_light_crossbow" are accepted.
func LookupWeapon(name string) (Weapon, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "weapon_")
	key = strings.ReplaceAll(key, "_", " ")
	i, ok := weaponIndex[key]
	if !ok {
		return Weapon{}, false
	}
	return weapons[i], true
}

// Weapons returns a copy of the weapon table.
func Weapons() []Weapon {
	out := make([]Weapon, len(weapons))
	copy(out, weapons)
	return out
}
