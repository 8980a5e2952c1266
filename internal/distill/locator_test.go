package distill

import (
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
)

func TestClickableRoleForXpath(t *testing.T) {
	cases := []struct {
		xpath string
		role  playwright.AriaRole
		tag   string
	}{
		{"/html[1]/body[1]/div[2]/a[1]", *playwright.AriaRoleLink, "a"},
		{"/html[1]/body[1]/form[1]/button[2]", *playwright.AriaRoleButton, "button"},
		{"/html[1]/body[1]/div[3]/span[1]", *playwright.AriaRoleMenuitem, "div"},
		{"", *playwright.AriaRoleMenuitem, "div"},
	}
	for _, tc := range cases {
		role, tag := clickableRoleForXpath(tc.xpath)
		assert.Equal(t, tc.role, role, tc.xpath)
		assert.Equal(t, tc.tag, tag, tc.xpath)
	}
}

func TestTextInputRolesOrder(t *testing.T) {
	want := []playwright.AriaRole{
		*playwright.AriaRoleTextbox,
		*playwright.AriaRoleSearchbox,
		*playwright.AriaRoleCombobox,
		*playwright.AriaRoleSpinbutton,
	}
	assert.Equal(t, want, textInputRoles)
}

func TestBracketShapeLocator(t *testing.T) {
	assert.Equal(t, "[[", bracketShape("[[Expand row]]"))
	assert.Equal(t, "{{", bracketShape("{{March}}"))
	assert.Equal(t, "[", bracketShape("[Sign In]"))
	assert.Equal(t, "{", bracketShape("{Search}"))
	assert.Equal(t, "", bracketShape("plain text"))
}

func TestStripAnnotationLocator(t *testing.T) {
	assert.Equal(t, "Sign In", stripAnnotation("[Sign In]"))
	assert.Equal(t, "Search", stripAnnotation("{Search}"))
	assert.Equal(t, "March", stripAnnotation("{{March}}"))
}
